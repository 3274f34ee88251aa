package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/buildkite/shellwords"
	"github.com/drivercraft/sdmmc/emu"
	"github.com/drivercraft/sdmmc/sdhci"
)

// bringup serves the image as a virtual card and negotiates it through the
// driver, exactly as a board bring-up would.
func bringup(image string) (*sdhci.Host, *emu.Card) {
	f := must(os.Open(image))
	card := must(emu.Open(f))
	f.Close()

	media := sdhci.MediaMMC
	if *sdCard {
		blocks := uint32(len(card.Storage) / 512)
		if blocks%1024 != 0 {
			fmt.Print("SD images must be a multiple of 512 KiB")
			os.Exit(1)
		}
		sd := emu.NewSD(2, blocks)
		sd.Storage = card.Storage
		card, media = sd, sdhci.MediaSD
	}

	h := sdhci.NewHost(emu.New(card), nil, sdhci.Config{Media: media})
	check(h.Probe())
	return h, card
}

func probe(image string) {
	h, _ := bringup(image)
	fmt.Println(must(h.Info()))
}

func dump(image string, lba uint32, count int) {
	h, _ := bringup(image)
	buf := make([]byte, count*512)
	check(h.ReadBlocks(lba, count, buf))
	fmt.Print(hex.Dump(buf))
}

const shellHelp = "commands: info  status  read <lba> <count> <file>  write <lba> <file>  hexdump <lba> <count>  ls [dir]  exit"

func shell(image string) {
	h, card := bringup(image)
	fmt.Println(must(h.Info()))
	fmt.Println(shellHelp)

	dirty := false
	flush := func() {
		if !dirty {
			return
		}
		f := must(os.OpenFile(image, os.O_WRONLY, 0))
		must(card.WriteTo(f))
		check(f.Close())
	}

	lba := func(s string) (uint32, error) {
		v, err := strconv.ParseUint(s, 0, 32)
		return uint32(v), err
	}

	sc := bufio.NewScanner(os.Stdin)
	for fmt.Print("sd> "); sc.Scan(); fmt.Print("sd> ") {
		args, err := shellwords.Split(sc.Text())
		if err != nil {
			fmt.Println(err)
			continue
		}
		if len(args) == 0 {
			continue
		}

		switch args[0] {
		case "info":
			info, err := h.Info()
			if err != nil {
				fmt.Println(err)
				continue
			}
			fmt.Println(info)
		case "status":
			st, err := h.Status()
			if err != nil {
				fmt.Println(err)
				continue
			}
			fmt.Printf("%#08x\n", st)
		case "read":
			if len(args) != 4 {
				fmt.Println("usage: read <lba> <count> <file>")
				continue
			}
			addr, err1 := lba(args[1])
			count, err2 := strconv.Atoi(args[2])
			if err1 != nil || err2 != nil || count <= 0 {
				fmt.Println("bad block range")
				continue
			}
			buf := make([]byte, count*512)
			if err := h.ReadBlocks(addr, count, buf); err != nil {
				fmt.Println(err)
				continue
			}
			if err := os.WriteFile(args[3], buf, 0o666); err != nil {
				fmt.Println(err)
			}
		case "write":
			if len(args) != 3 {
				fmt.Println("usage: write <lba> <file>")
				continue
			}
			addr, err := lba(args[1])
			if err != nil {
				fmt.Println("bad block address")
				continue
			}
			data, err := os.ReadFile(args[2])
			if err != nil {
				fmt.Println(err)
				continue
			}
			count := (len(data) + 511) / 512
			buf := make([]byte, count*512)
			copy(buf, data)
			if err := h.WriteBlocks(addr, count, buf); err != nil {
				fmt.Println(err)
				continue
			}
			dirty = true
		case "hexdump":
			if len(args) != 3 {
				fmt.Println("usage: hexdump <lba> <count>")
				continue
			}
			addr, err1 := lba(args[1])
			count, err2 := strconv.Atoi(args[2])
			if err1 != nil || err2 != nil || count <= 0 {
				fmt.Println("bad block range")
				continue
			}
			buf := make([]byte, count*512)
			if err := h.ReadBlocks(addr, count, buf); err != nil {
				fmt.Println(err)
				continue
			}
			fmt.Print(hex.Dump(buf))
		case "ls":
			dir := "/"
			if len(args) > 1 {
				dir = args[1]
			}
			if err := lsCard(h, dir); err != nil {
				fmt.Println(err)
			}
		case "exit":
			flush()
			return
		default:
			fmt.Println(shellHelp)
		}
	}
	fmt.Println()
	flush()
}

// lsCard lists a FAT directory read through the card's block device.
func lsCard(h *sdhci.Host, dir string) error {
	dev, err := h.Device()
	if err != nil {
		return err
	}
	fs, err := fatOpen(dev)
	if err != nil {
		return err
	}
	entries, err := fs.ReadDir(fatPath(dir))
	if err != nil {
		return err
	}
	printDir(entries)
	return nil
}
