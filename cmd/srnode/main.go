// Command srnode wires one source-routed data-plane node end to end: a
// transport (MQTT or serial), the device/node packet graph, and a stdin
// control-surface loop for the read/write commands spec.md §6 names.
// Grounded on the teacher's CLI-argument-driven mains (flag + log), with
// structured logging layered on top to match the rest of the module.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/srforward/srmesh/control"
	"github.com/srforward/srmesh/core"
	"github.com/srforward/srmesh/device/node"
	"github.com/srforward/srmesh/routing"
	"github.com/srforward/srmesh/transport"
	"github.com/srforward/srmesh/transport/mqtt"
	"github.com/srforward/srmesh/transport/serial"
)

func main() {
	var (
		selfAddr      = flag.String("self", "", "this node's logical address (dotted quad), required")
		etherType     = flag.Uint("ethertype", 0x8999, "Ethernet type tag for SR frames")
		transportKind = flag.String("transport", "mqtt", `wire transport: "mqtt" or "serial"`)
		mqttBroker    = flag.String("mqtt-broker", "tcp://127.0.0.1:1883", "MQTT broker URL")
		mqttMeshID    = flag.String("mqtt-mesh", "default", "MQTT mesh segment id")
		serialPort    = flag.String("serial-port", "/dev/ttyUSB0", "serial port path")
		serialBaud    = flag.Int("serial-baud", serial.DefaultBaudRate, "serial baud rate")
		debug         = flag.Bool("debug", false, "start with debug logging enabled")
	)
	flag.Parse()

	level := new(slog.LevelVar)
	if *debug {
		level.Set(slog.LevelDebug)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	self, err := core.ParseNodeAddr(*selfAddr)
	if err != nil {
		logger.Error("bad -self address", "err", err)
		os.Exit(1)
	}

	wire, err := buildTransport(*transportKind, logger, mqttConfig{
		broker: *mqttBroker, meshID: *mqttMeshID,
	}, serialConfig{
		port: *serialPort, baud: *serialBaud,
	})
	if err != nil {
		logger.Error("building transport", "err", err)
		os.Exit(1)
	}

	selfMAC := macFromNodeAddr(self)
	lt := routing.NewMemLinkTable(self, logger)
	at := routing.NewMemArpTable(0, logger)

	n, err := node.New(node.Config{
		Self:      self,
		SelfMAC:   selfMAC,
		EtherType: uint16(*etherType),
		Wire:      wire,
		LinkTable: lt,
		ArpTable:  at,
		RNG:       routing.NewSystemRNG(),
		Deliver: func(origin core.NodeAddr, payload []byte) {
			logger.Info("delivered", "origin", origin.String(), "bytes", len(payload))
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("building node", "err", err)
		os.Exit(1)
	}

	handlers := control.New()
	control.RegisterNode(handlers, n, self, level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := n.Start(ctx); err != nil {
			logger.Error("node stopped", "err", err)
		}
	}()

	runCLI(ctx, handlers, os.Stdin, os.Stdout, logger)
}

// macFromNodeAddr derives a locally-administered hardware address from a
// node's logical address, for standalone runs with no real radio MAC to
// report. The locally-administered bit (0x02 in the first octet) marks it
// as synthetic rather than vendor-assigned.
func macFromNodeAddr(addr core.NodeAddr) core.LinkAddr {
	return core.LinkAddr{0x02, 0x00, addr[0], addr[1], addr[2], addr[3]}
}

type mqttConfig struct {
	broker, meshID string
}

type serialConfig struct {
	port string
	baud int
}

func buildTransport(kind string, logger *slog.Logger, m mqttConfig, s serialConfig) (transport.WireIO, error) {
	switch kind {
	case "mqtt":
		return mqtt.New(mqtt.Config{
			Broker: m.broker,
			MeshID: m.meshID,
			Logger: logger,
		}), nil
	case "serial":
		return serial.New(serial.Config{
			Port:     s.port,
			BaudRate: s.baud,
			Logger:   logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// readCommands names the read handlers runCLI dispatches a bare command
// name to; any other single-token input is treated as a no-argument write.
var readCommands = map[string]bool{
	"drops": true, "bad_version": true, "floods": true,
	"queries": true, "routes": true,
}

// runCLI implements an operator console over in/out: one command per line,
// space-separated, dispatched the way the teacher's executeCLI resolves a
// CLI command string to a reply. A bare read-handler name prints its
// value; anything else is treated as a write command with the remaining
// tokens as arguments.
func runCLI(ctx context.Context, h *control.Handlers, in *os.File, out *os.File, logger *slog.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		name := fields[0]
		args := fields[1:]

		if len(args) == 0 && readCommands[name] {
			val, err := h.Read(name)
			if err != nil {
				fmt.Fprintf(out, "Error: %v\n", err)
				continue
			}
			fmt.Fprintln(out, val)
			continue
		}

		if err := h.Write(name, args); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, "OK")
	}
}
