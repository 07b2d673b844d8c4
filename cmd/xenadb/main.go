// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0

// This is the entrypoint for the xenadb binary.
package main

import (
	"fmt"
	"os"
)

func main() {
	rootCmd := NewRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
