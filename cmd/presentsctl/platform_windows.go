//go:build windows
// +build windows

package main

// BinaryExtension extension used on windows
const BinaryExtension = ".exe"
