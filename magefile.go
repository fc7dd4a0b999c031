//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/magefile/mage/mg"
)

// Default target to run when none is specified
// If not set, running mage will list available targets
var Default = Build

// Build compiles both executables into ./bin
func Build() error {
	mg.Deps(BuildReconstruct)
	mg.Deps(BuildCalibrate)
	fmt.Println("Compilation finished")
	return nil
}

func BuildReconstruct() error {
	fmt.Println("Building reconstruct executable...")
	return goCommand("build", "-o", "./bin/reconstruct", "./reconstruct")
}

func BuildCalibrate() error {
	fmt.Println("Building calibrate executable...")
	return goCommand("build", "-o", "./bin/calibrate", "./calibrate")
}

// Test runs the library tests. HDF5 and sqlite need cgo.
func Test() error {
	fmt.Println("Running tests...")
	return goCommand("test", "./pkg/...")
}

// goCommand runs the go tool with cgo enabled and the caller's CGO flags,
// which must point at the HDF5 headers and libraries.
func goCommand(args ...string) error {
	ldflags := os.Getenv("CGO_LDFLAGS")
	cflags := os.Getenv("CGO_CFLAGS")
	cmd := exec.Command("go", args...)
	cmd.Env = append(os.Environ(),
		"CGO_ENABLED=1",
		fmt.Sprintf("CGO_LDFLAGS=%s", ldflags),
		fmt.Sprintf("CGO_CFLAGS=%s", cflags))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
