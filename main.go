package main

import (
	"os"

	"github.com/alarmfox/enclave-benchmark/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
