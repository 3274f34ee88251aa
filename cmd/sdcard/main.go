package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/diskfs/go-diskfs/filesystem/fat32"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/diskfs/go-diskfs/util"
)

func must[T any](ret T, err error) T {
	if err != nil {
		fmt.Print(err)
		os.Exit(1)
	}
	return ret
}

func check(err error) {
	if err != nil {
		fmt.Print(err)
		os.Exit(1)
	}
}

const usageString = `SD card image utility.

Usage:

	%s [flags] <command> [arguments]

The commands are:

	create <image> <size>	new image with an MBR partition table and a FAT32 filesystem
	ls <image> [dir]	list a directory of the FAT filesystem
	extract <image> <src> <dst>	copy a file out of the FAT filesystem
	put <image> <src> <dst>	copy a file into the FAT filesystem
	probe <image>	bring the image up as a card and print its identity
	dump <image> <lba> <count>	read blocks through the card and hex dump them
	shell <image>	interactive session on a probed card

Sizes take an optional K, M or G suffix.  FAT32 needs at least 64M.
`

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), usageString, os.Args[0])
	flag.PrintDefaults()
}

var sdCard = flag.Bool("sd", false, "serve the image as an SD card instead of an eMMC")

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	narg := map[string]int{
		"create": 3, "ls": 2, "extract": 4, "put": 4,
		"probe": 2, "dump": 4, "shell": 2,
	}
	if n, ok := narg[flag.Arg(0)]; !ok {
		fmt.Fprintf(flag.CommandLine.Output(), "%s: unknown command\n", flag.Arg(0))
		flag.Usage()
		os.Exit(1)
	} else if flag.NArg() < n {
		flag.Usage()
		os.Exit(1)
	}

	image := flag.Arg(1)
	switch flag.Arg(0) {
	case "create":
		create(image, must(parseSize(flag.Arg(2))))
	case "ls":
		dir := "/"
		if flag.NArg() > 2 {
			dir = flag.Arg(2)
		}
		ls(image, dir)
	case "extract":
		extract(image, flag.Arg(2), flag.Arg(3))
	case "put":
		put(image, flag.Arg(2), flag.Arg(3))
	case "probe":
		probe(image)
	case "dump":
		lba := must(strconv.ParseUint(flag.Arg(2), 0, 32))
		dump(image, uint32(lba), must(strconv.Atoi(flag.Arg(3))))
	case "shell":
		shell(image)
	}
}

// First partition LBA, 1 MiB aligned like common partitioning tools.
const partStart = 2048

func create(image string, size int64) {
	if size%512 != 0 || size/512 <= partStart {
		fmt.Print("image size must be a multiple of 512 bytes and leave room for a partition")
		os.Exit(1)
	}
	f := must(os.Create(image))
	defer f.Close()
	check(f.Truncate(size))

	table := &mbr.Table{
		LogicalSectorSize:  512,
		PhysicalSectorSize: 512,
		Partitions: []*mbr.Partition{{
			Type:  mbr.Fat32LBA,
			Start: partStart,
			Size:  uint32(size/512) - partStart,
		}},
	}
	check(table.Write(f, size))
	must(fat32.Create(f, size-partStart*512, partStart*512, 512, "SDCARD"))
}

// fatOpen reads the FAT filesystem from the first used MBR partition.
func fatOpen(f util.File) (*fat32.FileSystem, error) {
	table, err := mbr.Read(f, 512, 512)
	if err != nil {
		return nil, err
	}
	for _, p := range table.Partitions {
		if p != nil && p.Type != mbr.Empty {
			return fat32.Read(f, p.GetSize(), p.GetStart(), 512)
		}
	}
	return nil, errors.New("no used partition")
}

// fatPath roots a command line path inside the filesystem.
func fatPath(p string) string {
	return path.Clean("/" + p)
}

func printDir(entries []os.FileInfo) {
	for _, fi := range entries {
		if fi.IsDir() {
			fmt.Printf("%12s  %s/\n", "", fi.Name())
			continue
		}
		fmt.Printf("%12d  %s\n", fi.Size(), fi.Name())
	}
}

func ls(image, dir string) {
	f := must(os.Open(image))
	defer f.Close()
	fs := must(fatOpen(f))
	printDir(must(fs.ReadDir(fatPath(dir))))
}

func extract(image, src, dst string) {
	f := must(os.Open(image))
	defer f.Close()
	fs := must(fatOpen(f))
	in := must(fs.OpenFile(fatPath(src), os.O_RDONLY))
	out := must(os.Create(dst))
	must(io.Copy(out, in))
	check(out.Close())
}

func put(image, src, dst string) {
	f := must(os.OpenFile(image, os.O_RDWR, 0))
	defer f.Close()
	fs := must(fatOpen(f))
	in := must(os.Open(src))
	defer in.Close()

	p := fatPath(dst)
	if dir := path.Dir(p); dir != "/" {
		check(fs.Mkdir(dir))
	}
	out := must(fs.OpenFile(p, os.O_RDWR|os.O_CREATE))
	must(io.Copy(out, in))
}

// parseSize parses a byte count with an optional K, M or G suffix.
func parseSize(s string) (int64, error) {
	shift := 0
	switch {
	case strings.HasSuffix(s, "K"):
		shift, s = 10, s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		shift, s = 20, s[:len(s)-1]
	case strings.HasSuffix(s, "G"):
		shift, s = 30, s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n << shift, nil
}
