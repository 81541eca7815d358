// Command replisync-mount exposes a locally materialized document
// cache as a read-only FUSE filesystem, so an operator can browse
// synced documents as plain files without writing a UI.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

func main() {
	localDir := flag.String("local-dir", envOrDefault("REPLISYNC_LOCAL_DIR", ""), "directory holding the materialized document cache")
	mountPoint := flag.String("mount-point", envOrDefault("REPLISYNC_MOUNT_POINT", ""), "mount point for the read-only view")
	debug := flag.Bool("debug", false, "log every FUSE operation")
	flag.Parse()

	if strings.TrimSpace(*localDir) == "" {
		log.Fatalf("local-dir is required (--local-dir or REPLISYNC_LOCAL_DIR)")
	}
	if strings.TrimSpace(*mountPoint) == "" {
		log.Fatalf("mount-point is required (--mount-point or REPLISYNC_MOUNT_POINT)")
	}
	if err := os.MkdirAll(*mountPoint, 0o755); err != nil {
		log.Fatalf("failed to prepare mount point: %v", err)
	}

	root := &docsRoot{dir: *localDir}
	server, err := fs.Mount(*mountPoint, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:     "replisync",
			Name:       "replisync-mount",
			Options:    []string{"ro"},
			Debug:      *debug,
			AllowOther: false,
		},
	})
	if err != nil {
		log.Fatalf("failed to mount %s: %v", *mountPoint, err)
	}
	log.Printf("mounted %s -> %s (read-only)", *localDir, *mountPoint)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Printf("unmounting %s", *mountPoint)
		if err := server.Unmount(); err != nil {
			log.Printf("unmount failed: %v", err)
		}
	}()

	server.Wait()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

// docsRoot is the mount's root directory: a flat listing of every
// <primaryKey>.json file under dir, re-read on every Readdir/Lookup so
// the view follows files added to or removed from dir while mounted.
type docsRoot struct {
	fs.Inode
	dir string
}

var (
	_ fs.NodeReaddirer = (*docsRoot)(nil)
	_ fs.NodeLookuper  = (*docsRoot)(nil)
)

func (r *docsRoot) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, syscall.EIO
	}
	list := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		list = append(list, fuse.DirEntry{Name: e.Name(), Mode: fuse.S_IFREG})
	}
	return fs.NewListDirStream(list), fs.OK
}

func (r *docsRoot) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if !strings.HasSuffix(name, ".json") {
		return nil, syscall.ENOENT
	}
	full := filepath.Join(r.dir, name)
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return nil, syscall.ENOENT
	}
	out.Size = uint64(info.Size())
	out.Mode = fuse.S_IFREG | 0o444
	child := r.NewInode(ctx, &documentFile{path: full}, fs.StableAttr{Mode: fuse.S_IFREG})
	return child, fs.OK
}

// documentFile is a single read-only document file, re-read from disk
// on every Open so edits made to the file on disk between mounts (or
// between opens) are read without remounting.
type documentFile struct {
	fs.Inode
	path string
}

var (
	_ fs.NodeGetattrer = (*documentFile)(nil)
	_ fs.NodeOpener    = (*documentFile)(nil)
)

func (f *documentFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := os.Stat(f.path)
	if err != nil {
		return syscall.ENOENT
	}
	out.Size = uint64(info.Size())
	out.Mode = fuse.S_IFREG | 0o444
	return fs.OK
}

func (f *documentFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, 0, syscall.EIO
	}
	return &bytesFileHandle{content: data}, fuse.FOPEN_KEEP_CACHE, fs.OK
}

// bytesFileHandle serves a fixed byte slice captured at Open time.
type bytesFileHandle struct {
	content []byte
}

var _ fs.FileReader = (*bytesFileHandle)(nil)

func (fh *bytesFileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	end := off + int64(len(dest))
	if end > int64(len(fh.content)) {
		end = int64(len(fh.content))
	}
	if off > end {
		return fuse.ReadResultData(nil), 0
	}
	return fuse.ReadResultData(fh.content[off:end]), 0
}
