package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/dougsko/hiqsdr/pkg/client"
)

var (
	socketPath = flag.String("socket", "/tmp/hiqsdrd.sock", "Unix socket path")
	command    = flag.String("cmd", "", "Command to send (e.g., 'STATUS', 'FREQUENCY:14074000')")
)

func main() {
	flag.Parse()

	if *socketPath == "" {
		fmt.Fprintf(os.Stderr, "Socket path is required\n")
		os.Exit(1)
	}

	if *command == "" {
		if len(flag.Args()) > 0 {
			*command = strings.Join(flag.Args(), " ")
		} else {
			showHelp()
			return
		}
	}

	c := client.NewSocketClient(*socketPath)

	response, err := c.SendCommand(*command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", response.String())
	if !response.Success {
		os.Exit(2)
	}
}

func showHelp() {
	fmt.Println("hiqsdrctl - HiQSDR Daemon Control Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options] <command>\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -socket <path>    Unix socket path (default: /tmp/hiqsdrd.sock)")
	fmt.Println("  -cmd <command>    Command to send")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  STATUS                    Get daemon status")
	fmt.Println("  CONFIG                    Show device configuration")
	fmt.Println("  CONFIG:get:<key>          Show one configuration value")
	fmt.Println("  CONFIG:set:<key>:<value>  Change one configuration value")
	fmt.Println("  FREQUENCY:<hz>            Tune the receiver")
	fmt.Println("  TXFREQUENCY:<hz>          Tune the transmitter (unties it from rx)")
	fmt.Println("  SAMPLERATE:<hz>           Select the sample rate")
	fmt.Println("  POWER:<0-255>             Set the transmit power level")
	fmt.Println("  RX:ON | RX:OFF            Start or stop the sample stream")
	fmt.Println("  SYNC                      Send the configuration and check the echo")
	fmt.Println("  STATS                     Stream, pool and control counters")
	fmt.Println("  EVENTS[:n]                Last n journaled events")
	fmt.Println("  EVENTS:since:<id>         Events after id")
	fmt.Println("  PING                      Test connection")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  %s STATUS\n", os.Args[0])
	fmt.Printf("  %s SAMPLERATE:192000\n", os.Args[0])
	fmt.Printf("  %s CONFIG:set:tx_mode:hardware_cw\n", os.Args[0])
	fmt.Printf("  echo 'STATUS' | nc -U /tmp/hiqsdrd.sock\n")
}
