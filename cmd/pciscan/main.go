// Command pciscan enumerates a PCI Express segment from an ECAM image file
// and prints the discovered functions lspci-style.
//
// ECAM images are raw dumps of configuration space, 4 KiB per function, as
// captured from a running machine or emitted by an emulator.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/metal/internal/pci"
)

const (
	regRevisionClass = 0x08
	regBAR0          = 0x10
)

func className(baseClass uint8) string {
	switch baseClass {
	case 0x01:
		return "storage"
	case 0x02:
		return "network"
	case 0x03:
		return "display"
	case 0x04:
		return "multimedia"
	case 0x06:
		return "bridge"
	case 0x0c:
		return "serial-bus"
	default:
		return fmt.Sprintf("class-%02x", baseClass)
	}
}

func printBARs(w io.Writer, ep *pci.Endpoint) {
	for n := 0; n < 6; n++ {
		value := ep.ConfigRead32(uint16(regBAR0 + 4*n))
		if value == 0 || value == 0xffff_ffff {
			continue
		}
		if value&1 != 0 {
			fmt.Fprintf(w, "\tBAR%d: io port %#x\n", n, value&^uint32(0x3))
			continue
		}
		switch (value >> 1) & 0x3 {
		case 0:
			fmt.Fprintf(w, "\tBAR%d: mem32 at %#x\n", n, value&^uint32(0xf))
		case 2:
			upper := ep.ConfigRead32(uint16(regBAR0 + 4*(n+1)))
			fmt.Fprintf(w, "\tBAR%d: mem64 at %#x\n", n, uint64(upper)<<32|uint64(value&^uint32(0xf)))
			n++
		}
	}
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	imagePath := fs.String("image", "", "ECAM image file to scan")
	buses := fs.Int("buses", 0, "Number of buses the image covers (default: derived from size)")
	verbose := fs.Bool("v", false, "Verbose enumeration logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *imagePath == "" {
		fs.Usage()
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	f, err := os.Open(*imagePath)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat image: %w", err)
	}

	var buf bytes.Buffer
	bar := progressbar.DefaultBytes(fi.Size(), "loading ecam image")
	if _, err := io.Copy(io.MultiWriter(&buf, bar), f); err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	busCount := *buses
	if busCount == 0 {
		busCount = buf.Len() >> 20
	}
	if busCount == 0 {
		return fmt.Errorf("image too small: %d bytes is less than one bus", buf.Len())
	}

	root := pci.NewRootWithIO(pci.BytesIO(buf.Bytes()), busCount, logger)
	walk := root.Walk()
	found := 0
	for {
		ep, ok := walk.Next()
		if !ok {
			break
		}
		found++
		vendor, device := ep.ID()
		pin, line := ep.Interrupt()
		baseClass := uint8(ep.ConfigRead32(regRevisionClass) >> 24)
		fmt.Printf("%s %04x:%04x %s (irq pin %d line %d)\n",
			ep.Address(), vendor, device, className(baseClass), pin, line)
		printBARs(os.Stdout, ep)
	}
	fmt.Printf("%d endpoint(s) found across %d bus(es)\n", found, busCount)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pciscan: %v\n", err)
		os.Exit(1)
	}
}
