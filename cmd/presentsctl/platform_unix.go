//go:build !windows
// +build !windows

package main

// BinaryExtension extension used on unix
const BinaryExtension = ""
