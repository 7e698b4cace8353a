package main

import "github.com/nixmox/nixmox/cmd/nixmox"

func main() {
	nixmox.Execute()
}
