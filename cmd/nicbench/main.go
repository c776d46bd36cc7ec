// Command nicbench brings up an E1000E adapter on a synthetic PCI segment
// backed by the software core model and measures the transmit/receive paths
// end to end: buffer allocation, the transmit call, completion draining and
// buffer recycling.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	metal "github.com/tinyrange/metal"
	"github.com/tinyrange/metal/internal/e1000e"
	"github.com/tinyrange/metal/internal/e1000e/sim"
	"github.com/tinyrange/metal/internal/pcap"
	"github.com/tinyrange/metal/internal/pci"
	"github.com/tinyrange/metal/internal/platform"
)

const (
	benchVendor  = 0x8086
	benchDevice  = 0x10d3
	benchBARBase = 0xfeb0_0000
	benchBARSize = 0x2_0000
)

func buildSegment() *pci.Image {
	img := pci.NewImage(1)
	img.AddFunction(pci.Address{Bus: 0, Device: 1, Function: 0}, pci.FunctionConfig{
		VendorID:      benchVendor,
		DeviceID:      benchDevice,
		InterruptPin:  1,
		InterruptLine: 11,
		BARs: []pci.BarConfig{{
			Kind:    pci.BarMemory32,
			Address: benchBARBase,
			Size:    benchBARSize,
		}},
	})
	return img
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	count := fs.Int("count", 100000, "Frames to push through each path")
	size := fs.Int("size", 1514, "Frame size in bytes")
	configPath := fs.String("config", "", "Bring-up configuration file")
	pcapPath := fs.String("pcap", "", "Capture transmitted frames to a pcap file")
	verbose := fs.Bool("v", false, "Verbose bring-up logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg := metal.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = metal.LoadConfig(*configPath); err != nil {
			return err
		}
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	mem := platform.NewSimMemory()
	mem.AddRegion(benchBARBase, make([]byte, benchBARSize))

	factoryOpts := []sim.Option{sim.WithLinkUp()}
	if *pcapPath != "" {
		f, err := os.Create(*pcapPath)
		if err != nil {
			return fmt.Errorf("create capture file: %w", err)
		}
		defer f.Close()
		writer, err := pcap.NewWriter(f, 0)
		if err != nil {
			return err
		}
		factoryOpts = append(factoryOpts, sim.WithTxTap(func(frame []byte) {
			if err := writer.WriteFrame(frame); err != nil {
				logger.Warn("frame capture failed", "error", err)
			}
		}))
	}
	factory := sim.NewFactory([6]byte{0x02, 0x00, 0x00, 0xbe, 0xef, 0x01}, factoryOpts...)
	reg := metal.NewRegistry(
		e1000e.NewDriver(mem, platform.BusyTimer{}, factory.New, e1000e.Config{
			MTU:       cfg.E1000E.MTU,
			EnableMSI: cfg.E1000E.MSIEnabled(),
		}, logger),
	)

	root := pci.NewRootWithIO(buildSegment(), cfg.Platform.BusCount, logger)
	inv := metal.BringUp(root, reg, logger)
	nets := inv.NetDevices()
	if len(nets) != 1 {
		return fmt.Errorf("expected one network device, found %d", len(nets))
	}
	dev := nets[0]
	core := factory.Cores()[0]

	frame := make([]byte, *size)
	for i := range frame {
		frame[i] = byte(i)
	}

	// Transmit path.
	start := time.Now()
	for i := 0; i < *count; i++ {
		buf, err := dev.AllocTxBuffer(*size)
		if err != nil {
			return fmt.Errorf("alloc tx buffer: %w", err)
		}
		copy(buf.Bytes(), frame)
		if err := dev.Transmit(buf); err != nil {
			return fmt.Errorf("transmit %d: %w", i, err)
		}
	}
	txElapsed := time.Since(start)

	// Receive path.
	start = time.Now()
	for i := 0; i < *count; i++ {
		core.InjectFrame(frame)
		buf, err := dev.Receive()
		if err != nil {
			return fmt.Errorf("receive %d: %w", i, err)
		}
		if err := dev.RecycleRxBuffer(buf); err != nil {
			return fmt.Errorf("recycle %d: %w", i, err)
		}
	}
	rxElapsed := time.Since(start)

	report := func(name string, elapsed time.Duration) {
		perOp := elapsed / time.Duration(*count)
		mbps := float64(*count**size) * 8 / elapsed.Seconds() / 1e6
		fmt.Printf("% 8s count=% 8d size=% 6d elapsed=% 12s per-op=% 10s rate=%.1f Mbit/s\n",
			name, *count, *size, elapsed, perOp, mbps)
	}
	report("tx", txElapsed)
	report("rx", rxElapsed)

	if n := dev.(*e1000e.E1000E).Pool().Outstanding(); n != 0 {
		return fmt.Errorf("buffer leak: %d outstanding after benchmark", n)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nicbench: %v\n", err)
		os.Exit(1)
	}
}
