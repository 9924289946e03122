// Package aof is the root of the agentic operations framework: declarative
// agents, fleets, workflows, and event-driven flows wired to chat platforms
// through triggers.
//
// Resources are YAML documents with a Kubernetes-style envelope:
//
//	apiVersion: aof.dev/v1
//	kind: Agent
//	metadata:
//	  name: sre-helper
//	spec:
//	  model: anthropic:claude-sonnet-4-5
//	  tools: [execute_command]
//
// The runtime packages:
//
//   - config: resource parsing, validation, and defaults
//   - agent: the tool-calling agent loop
//   - fleet: pools of agent instances with task distribution
//   - workflow: step graphs with approvals and validators
//   - flow: event-driven node graphs bound to platform triggers
//   - trigger: chat platform adapters (Slack, Discord, Teams, webhooks)
//   - server: the HTTP webhook and API surface
//
// The aof CLI (cmd/aof) runs resources directly or serves them:
//
//	aof run agent agent.yaml "summarize the incident"
//	aof serve --dir ./resources
package aof
