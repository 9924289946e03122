package main

import (
	"fmt"

	"github.com/aofdev/aof"
)

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(aof.Get().String())
	return nil
}
