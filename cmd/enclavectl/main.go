package main

import "github.com/ats-kms/enclave/internal/cli"

func main() {
	cli.Execute()
}
