//go:build mage
// +build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/sh"
)

// Default target when running mage without arguments.
var Default = Build

// Build builds the server binary.
func Build() error {
	fmt.Println("Building server...")
	return sh.Run("go", "build", "-o", "bin/server", "./cmd/server")
}

// Test runs all tests with race detection.
func Test() error {
	fmt.Println("Running tests...")
	return sh.Run("go", "test", "-race", "./...")
}

// Lint runs go vet.
func Lint() error {
	fmt.Println("Running vet...")
	return sh.Run("go", "vet", "./...")
}

// Tidy tidies go.mod.
func Tidy() error {
	return sh.Run("go", "mod", "tidy")
}

// Clean removes build artifacts.
func Clean() error {
	return sh.Rm("bin")
}
