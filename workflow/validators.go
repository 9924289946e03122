package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/aofdev/aof/config"
	"github.com/aofdev/aof/llms"
)

// ValidatorFunc is a registered in-process validator: a nil error means the
// state passed.
type ValidatorFunc func(data map[string]any) error

// scriptValidatorTimeout bounds a script validator's execution.
const scriptValidatorTimeout = 120 * time.Second

// llmPassVerdicts are the reply prefixes an LLM validator accepts as a pass.
var llmPassVerdicts = map[string]bool{
	"pass": true, "ok": true, "yes": true, "valid": true, "approved": true,
}

// runValidators evaluates each validator against the state data and returns
// the first failure.
func (e *Executor) runValidators(ctx context.Context, step string, validators []config.ValidatorConfig, data map[string]any) error {
	for _, v := range validators {
		var err error
		switch v.Type {
		case config.ValidatorFunction:
			err = e.runFunctionValidator(v, data)
		case config.ValidatorLLM:
			err = e.runLLMValidator(ctx, v, data)
		case config.ValidatorScript:
			err = e.runScriptValidator(ctx, v, data)
		default:
			err = fmt.Errorf("unknown validator type %q", v.Type)
		}
		if err != nil {
			return NewWorkflowError(e.cfg.Name, step,
				fmt.Sprintf("validator %s failed", validatorName(v)), err)
		}
	}
	return nil
}

func validatorName(v config.ValidatorConfig) string {
	if v.Name != "" {
		return v.Name
	}
	return string(v.Type)
}

func (e *Executor) runFunctionValidator(v config.ValidatorConfig, data map[string]any) error {
	fn, ok := e.validators[v.Name]
	if !ok {
		return fmt.Errorf("function validator %q not registered", v.Name)
	}
	return fn(data)
}

// runLLMValidator packages the prompt and state for a model and reads its
// verdict from the first word of the reply.
func (e *Executor) runLLMValidator(ctx context.Context, v config.ValidatorConfig, data map[string]any) error {
	stateJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialise state: %w", err)
	}

	ref := llms.ParseModelRef(v.Model, "")
	provider, err := llms.NewProvider(ctx, ref, nil)
	if err != nil {
		return fmt.Errorf("failed to build validator model: %w", err)
	}

	prompt := fmt.Sprintf("%s\n\nState:\n%s\n\nReply with a single word verdict: pass or fail, optionally followed by a reason.",
		v.Prompt, stateJSON)
	completion, err := provider.Invoke(ctx, []llms.Message{
		{Role: llms.RoleUser, Content: prompt},
	}, nil, llms.Options{})
	if err != nil {
		return fmt.Errorf("validator model call failed: %w", err)
	}

	fields := strings.Fields(strings.ToLower(completion.Text))
	if len(fields) > 0 && llmPassVerdicts[strings.Trim(fields[0], ".:,")] {
		return nil
	}
	return fmt.Errorf("model verdict: %s", strings.TrimSpace(completion.Text))
}

// runScriptValidator executes the shell script with STATE set to the JSON
// state; a non-zero exit fails the step.
func (e *Executor) runScriptValidator(ctx context.Context, v config.ValidatorConfig, data map[string]any) error {
	stateJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialise state: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, scriptValidatorTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", v.Script)
	cmd.Env = append(os.Environ(), "STATE="+string(stateJSON))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("script failed: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}
