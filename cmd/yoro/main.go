package main

import "github.com/yorozuya-cybersecurity/yorosec-analyzer/pkg/cli"

func main() {
	cli.Execute()
}
