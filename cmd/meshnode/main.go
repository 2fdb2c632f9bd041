// Command meshnode runs one node of the mesh chat network: it dials (or
// listens for) the shared broadcast-channel transport, runs the full
// startup sequence (neighbor discovery, addressing, topology pull), and
// then accepts chat text on stdin while printing inbound messages to
// stdout. Grounded on core/main.go, the teacher's own entrypoint (banner,
// config, signal-driven shutdown).
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"meshchat/internal/meshlog"
	"meshchat/internal/node"
	"meshchat/internal/transport"
)

const version = "1.0.0"

func main() {
	var (
		listen   = pflag.BoolP("listen", "l", false, "Listen for a TCP connection instead of dialing one.")
		addr     = pflag.StringP("addr", "a", "127.0.0.1:7777", "Address to dial, or to listen on with --listen.")
		logLevel = pflag.StringP("log-level", "v", "info", "Log level: debug, info, warn, error.")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "meshnode - a node in a multi-hop mesh chat network.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: meshnode [options]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	setLogLevel(*logLevel)
	meshlog.Banner("Mesh Chat Node", version)

	var t transport.Transport
	var err error
	if *listen {
		meshlog.Info("listening on %s", *addr)
		t, err = transport.ListenTCPFramed(*addr)
	} else {
		meshlog.Info("dialing %s", *addr)
		t, err = transport.DialTCPFramed(*addr)
	}
	if err != nil {
		meshlog.Fatal("transport setup failed: %v", err)
	}
	meshlog.Success("transport connected")

	c := node.New(t)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	go c.Run(uint32(time.Now().UnixMilli()))

	meshlog.Section("Joining mesh")
	c.AwaitReadyToSend()
	meshlog.Success("node %d is ready to send: %s", c.NodeId(), c)

	go readStdin(c)
	go printInbox(c, sigChan)

	sig := <-sigChan
	meshlog.Warn("received signal: %v", sig)
	meshlog.Info("shutting down")
	c.Stop()
	time.Sleep(200 * time.Millisecond)
	meshlog.Success("node stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		meshlog.SetLevel(meshlog.LevelDebug)
	case "warn":
		meshlog.SetLevel(meshlog.LevelWarn)
	case "error":
		meshlog.SetLevel(meshlog.LevelError)
	default:
		meshlog.SetLevel(meshlog.LevelInfo)
	}
}

// readStdin feeds each line typed by the operator into the mesh as a chat
// message addressed to every known node.
func readStdin(c *node.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		if !c.SendChatMessage(text) {
			meshlog.Warn("message too long to send in one session")
		}
	}
}

// printInbox polls for reassembled chat messages and prints them until the
// shutdown signal fires.
func printInbox(c *node.Controller, stop <-chan os.Signal) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, msg := range c.ReceiveChatMessages() {
				fmt.Printf("[%s] node %d: %s\n", msg.Timestamp.Format("15:04:05"), msg.SenderId, msg.Text)
			}
		case <-stop:
			return
		}
	}
}
