package main

import (
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/diskfs/go-diskfs/filesystem/fat32"
	"rsc.io/rsc/fuse"
)

// The mount is read only.  The fat32 driver can't shrink a file, which
// rules out the whole file replace that fuse's WriteAll needs.

// FS implements the file system, serving directories and files straight
// from the FAT filesystem on the card.
type FS struct {
	fatfs *fat32.FileSystem
}

func (f *FS) Root() (fuse.Node, fuse.Error) {
	return &Dir{f.fatfs, "/"}, nil
}

type Dir struct {
	fatfs *fat32.FileSystem
	path  string
}

func (d *Dir) Attr() fuse.Attr {
	return fuse.Attr{Mode: os.ModeDir | 0o777}
}

func (d *Dir) Lookup(name string, intr fuse.Intr) (fuse.Node, fuse.Error) {
	entries, err := d.fatfs.ReadDir(d.path)
	if err != nil {
		return nil, fuse.EIO
	}
	for _, fi := range entries {
		// FAT matches names case insensitively.
		if !strings.EqualFold(fi.Name(), name) {
			continue
		}
		p := path.Join(d.path, fi.Name())
		if fi.IsDir() {
			return &Dir{d.fatfs, p}, nil
		}
		return &File{d.fatfs, p, fi.Size(), fi.ModTime()}, nil
	}
	return nil, fuse.ENOENT
}

func (d *Dir) ReadDir(intr fuse.Intr) ([]fuse.Dirent, fuse.Error) {
	entries, err := d.fatfs.ReadDir(d.path)
	if err != nil {
		return nil, fuse.EIO
	}
	dirents := make([]fuse.Dirent, 0, len(entries))
	for _, fi := range entries {
		if fi.Name() == "." || fi.Name() == ".." {
			continue
		}
		dirents = append(dirents, fuse.Dirent{Name: fi.Name()})
	}
	return dirents, nil
}

// File implements both Node and Handle.
type File struct {
	fatfs *fat32.FileSystem
	path  string
	size  int64
	mtime time.Time
}

func (f *File) Attr() fuse.Attr {
	return fuse.Attr{
		Mode:  0o444,
		Mtime: f.mtime,
		Size:  uint64(f.size),
	}
}

func (f *File) ReadAll(intr fuse.Intr) ([]byte, fuse.Error) {
	file, err := f.fatfs.OpenFile(f.path, os.O_RDONLY)
	if err != nil {
		return nil, fuse.EIO
	}
	b, err := io.ReadAll(file)
	if err != nil {
		return nil, fuse.EIO
	}
	return b, nil
}
