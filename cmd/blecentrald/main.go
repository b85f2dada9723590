// Command blecentrald runs the BLE connection engine as a daemon or replays
// a simulated scenario against it.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
