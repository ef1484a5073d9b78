package usb

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/usbipice/usbipice/pkg/util"
)

// The bootloader's mass-storage volume carries exactly these files; their
// presence proves the right disk is mounted before anything is written.
var bootloaderMarkers = []string{"INDEX.HTM", "INFO_UF2.TXT"}

// Uploader copies UF2 images onto a board's bootloader volume.
type Uploader struct {
	runner Runner
	list   func(dir string) ([]string, error)
}

// NewUploader builds an Uploader; a nil runner gets the real ExecRunner.
func NewUploader(runner Runner) *Uploader {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Uploader{runner: runner, list: listDir}
}

// SetLister overrides how the mounted volume is listed; tests point it at
// a canned directory.
func (u *Uploader) SetLister(fn func(dir string) ([]string, error)) {
	u.list = fn
}

func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Upload mounts the bootloader block device, verifies it, copies firmware
// onto it and unmounts. The board reboots into the new image once the copy
// lands, so a failed umount afterwards is only logged.
func (u *Uploader) Upload(ctx context.Context, devnode, mountDir, firmware string) error {
	if _, err := u.runner.Output(ctx, "mount", devnode, mountDir); err != nil {
		return fmt.Errorf("mount %s: %w", devnode, err)
	}

	if err := u.verify(mountDir); err != nil {
		u.unmount(ctx, mountDir)
		return err
	}

	if _, err := u.runner.Output(ctx, "cp", firmware, mountDir); err != nil {
		u.unmount(ctx, mountDir)
		return fmt.Errorf("copy %s: %w", firmware, err)
	}

	u.unmount(ctx, mountDir)
	return nil
}

// verify demands the volume hold the marker files and nothing else; a
// disk with extra content is some other mass-storage device.
func (u *Uploader) verify(mountDir string) error {
	names, err := u.list(mountDir)
	if err != nil {
		return err
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	if len(sorted) != len(bootloaderMarkers) {
		return fmt.Errorf("%s holds %v, want %v: %w", mountDir, sorted, bootloaderMarkers, util.ErrPreconditionFailed)
	}
	for i, marker := range bootloaderMarkers {
		if sorted[i] != marker {
			return fmt.Errorf("%s holds %v, want %v: %w", mountDir, sorted, bootloaderMarkers, util.ErrPreconditionFailed)
		}
	}
	return nil
}

func (u *Uploader) unmount(ctx context.Context, mountDir string) {
	if _, err := u.runner.Output(ctx, "umount", mountDir); err != nil {
		util.WithComponent("firmware").Warnf("umount %s: %v", mountDir, err)
	}
}
