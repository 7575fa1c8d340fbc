// Command dlpctl is a small interactive client for manual testing of the
// data-link protocol over a real port, in the spirit of the teacher's
// cmd/sdo_client: a flag-configured connection followed by a handful of
// scripted operations, here driven from stdin instead of hardcoded.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tidemark/dlp/internal/clock"
	"github.com/tidemark/dlp/pkg/config"
	"github.com/tidemark/dlp/pkg/link"
	"github.com/tidemark/dlp/pkg/port"
	_ "github.com/tidemark/dlp/pkg/port/uart"
)

const updatePeriod = 2 * time.Millisecond

func main() {
	portSpec := flag.String("port", "uart:/dev/ttyUSB0", "transport:addr, e.g. uart:/dev/ttyUSB0")
	role := flag.String("role", "slave", "master or slave")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	transport, addr, err := config.ParsePort(*portSpec)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	p, err := port.NewPort(transport, addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := p.Open(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer p.Close()

	r := link.RoleSlave
	if *role == "master" {
		r = link.RoleMaster
	}
	l := link.New(p, clock.Real{}, link.DefaultConfig(), r)

	stop := make(chan struct{})
	go pumpUpdate(l, stop)
	defer close(stop)

	fmt.Println("dlpctl: commands: listen | connect | disconnect | send <text> | status | recv | debug on|off | useport on|off | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if !runCommand(l, strings.TrimSpace(scanner.Text())) {
			return
		}
	}
}

// pumpUpdate stands in for the external scheduler that would otherwise
// drive Link.Update in production; dlpctl has nothing else to do between
// commands so it ticks in the background for the whole session.
func pumpUpdate(l *link.Link, stop <-chan struct{}) {
	ticker := time.NewTicker(updatePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.Update()
		}
	}
}

func runCommand(l *link.Link, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "listen":
		fmt.Println("ok:", l.MasterListen(true))
	case "connect":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		ok := l.SlaveConnect(ctx, 10*time.Second)
		cancel()
		fmt.Println("ok:", ok)
	case "disconnect":
		fmt.Println("ok:", l.SlaveDisconnect())
	case "send":
		ok := l.PutBuffer(context.Background(), []byte(arg), 5*time.Second)
		fmt.Println("ok:", ok)
	case "recv":
		buf := make([]byte, 4096)
		if ok, n := l.ReadData(buf); ok {
			fmt.Printf("recv: %q\n", buf[:n])
		} else {
			fmt.Println("recv: nothing pending")
		}
	case "status":
		fmt.Printf("listening=%v client_connected=%v connecting=%v connected=%v\n",
			l.MasterIsListening(), l.MasterIsClientConnected(), l.SlaveIsConnecting(), l.SlaveIsConnected())
	case "debug":
		l.EnableDebug(arg == "on")
		fmt.Println("ok:", arg == "on")
	case "useport":
		l.UsePort(arg == "on")
		fmt.Println("ok:", arg == "on")
	case "quit", "exit":
		return false
	case "":
	default:
		fmt.Println("unknown command:", cmd)
	}
	return true
}
