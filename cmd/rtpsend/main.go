// rtpsend отправляет F32LE звук (синус или сырой файл) по RTP/RTCP
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rtpsend: %v\n", err)
		os.Exit(1)
	}
}
