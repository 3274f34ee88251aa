package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"

	"github.com/diskfs/go-diskfs/filesystem/fat32"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/drivercraft/sdmmc/emu"
	"github.com/drivercraft/sdmmc/sdhci"
	"rsc.io/rsc/fuse"
)

func must[T any](ret T, err error) T {
	if err != nil {
		fmt.Print(err)
		os.Exit(1)
	}
	return ret
}

const usageString = `SD card image file system utility.

Usage:

	%s <command> [arguments]

The commands are:

	mount <image> <dir>	serve the image's FAT filesystem via fuse

The image is brought up as a virtual card and all filesystem reads go
through the block device of the negotiated card.
`

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), usageString, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	sigintr := make(chan os.Signal, 1)
	signal.Notify(sigintr, os.Interrupt)

	switch flag.Arg(0) {
	case "mount":
		if flag.NArg() < 3 {
			flag.Usage()
			os.Exit(1)
		}
		image := flag.Arg(1)
		dir := flag.Arg(2)

		r := must(os.Open(image))
		card := must(emu.Open(r))
		r.Close()
		h := sdhci.NewHost(emu.New(card), nil, sdhci.Config{Media: sdhci.MediaMMC})
		if err := h.Probe(); err != nil {
			fmt.Print(err)
			os.Exit(1)
		}
		dev := must(h.Device())

		table := must(mbr.Read(dev, 512, 512))
		var fs *fat32.FileSystem
		for _, p := range table.Partitions {
			if p != nil && p.Type != mbr.Empty {
				fs = must(fat32.Read(dev, p.GetSize(), p.GetStart(), 512))
				break
			}
		}
		if fs == nil {
			fmt.Print("no used partition")
			os.Exit(1)
		}

		c := must(fuse.Mount(dir))
		go c.Serve(&FS{fs})
		<-sigintr

		cmd := exec.Command("/bin/umount", dir)
		must(cmd.CombinedOutput())
	default:
		fmt.Fprintf(flag.CommandLine.Output(), "%s: unknown command\n", flag.Arg(0))
		flag.Usage()
		os.Exit(1)
	}
}
