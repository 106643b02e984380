//go:build linux

package devices

import (
	"os"
	"path/filepath"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"
)

// V4L2 ioctl request codes (linux/videodev2.h). Computed the same way the
// kernel headers do: _IOR('V', 0, ...) for QUERYCAP, _IOWR('V', nr, type) for
// the enumeration calls; spelled out as constants here so this package has no
// cgo dependency.
const (
	vidiocQuerycap           = 0x80685600
	vidiocEnumFmt            = 0xc0405602
	vidiocEnumFramesizes     = 0xc02c564a
	vidiocEnumFrameintervals = 0xc034564b
)

const (
	v4l2CapVideoCapture     = 0x00000001
	v4l2CapDeviceCaps       = 0x80000000
	v4l2FrmsizeTypeDiscrete = 1
	v4l2FrmivalTypeDiscrete = 1
	pixFmtMJPG              = 0x47504a4d // 'MJPG' little-endian fourcc
)

type v4l2Capability struct {
	Driver       [16]byte
	Card         [32]byte
	BusInfo      [32]byte
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
	Reserved     [3]uint32
}

type v4l2Fmtdesc struct {
	Index       uint32
	Type        uint32
	Flags       uint32
	Description [32]byte
	PixelFormat uint32
	Reserved    [4]uint32
}

type v4l2FrmsizeDiscrete struct {
	Width, Height uint32
}

type v4l2Frmsizeenum struct {
	Index       uint32
	PixelFormat uint32
	Type        uint32
	Union       [24]byte // holds v4l2_frmsize_discrete or stepwise variant
	Reserved    [2]uint32
}

type v4l2FrmivalDiscrete struct {
	Numerator, Denominator uint32
}

type v4l2Frmivalenum struct {
	Index       uint32
	PixelFormat uint32
	Width       uint32
	Height      uint32
	Type        uint32
	Union       [24]byte
	Reserved    [2]uint32
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// ListCaptures enumerates /dev/video* nodes that advertise video capture,
// and for each lists the resolutions and frame rates it offers in MJPG.
// A device that fails mid-enumeration is skipped, not fatal to the request.
func (Host) ListCaptures() ([]Capture, error) {
	nodes, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	sort.Strings(nodes)

	var out []Capture
	for _, node := range nodes {
		cap, ok := probeCapture(node)
		if ok {
			out = append(out, cap)
		}
	}
	return out, nil
}

func probeCapture(node string) (Capture, bool) {
	f, err := os.OpenFile(node, os.O_RDWR, 0)
	if err != nil {
		return Capture{}, false
	}
	defer f.Close()
	fd := int(f.Fd())

	var capStruct v4l2Capability
	if err := ioctl(fd, vidiocQuerycap, unsafe.Pointer(&capStruct)); err != nil {
		return Capture{}, false
	}
	caps := capStruct.Capabilities
	if caps&v4l2CapDeviceCaps != 0 {
		caps = capStruct.DeviceCaps
	}
	if caps&v4l2CapVideoCapture == 0 {
		return Capture{}, false
	}

	if !supportsMJPG(fd) {
		return Capture{}, false
	}

	formats := enumFrameSizes(fd)
	if len(formats) == 0 {
		return Capture{}, false
	}
	return Capture{Name: node, Formats: formats}, true
}

func supportsMJPG(fd int) bool {
	var desc v4l2Fmtdesc
	desc.Type = 1 // V4L2_BUF_TYPE_VIDEO_CAPTURE
	for desc.Index = 0; desc.Index < 64; desc.Index++ {
		if err := ioctl(fd, vidiocEnumFmt, unsafe.Pointer(&desc)); err != nil {
			return false
		}
		if desc.PixelFormat == pixFmtMJPG {
			return true
		}
	}
	return false
}

func enumFrameSizes(fd int) []CaptureFormat {
	var out []CaptureFormat
	var fs v4l2Frmsizeenum
	fs.PixelFormat = pixFmtMJPG
	for fs.Index = 0; fs.Index < 64; fs.Index++ {
		if err := ioctl(fd, vidiocEnumFramesizes, unsafe.Pointer(&fs)); err != nil {
			break
		}
		if fs.Type != v4l2FrmsizeTypeDiscrete {
			continue
		}
		var d v4l2FrmsizeDiscrete
		d.Width = le32(fs.Union[0:4])
		d.Height = le32(fs.Union[4:8])
		fps := enumFrameIntervals(fd, d.Width, d.Height)
		out = append(out, CaptureFormat{
			Width:  uint16(d.Width),
			Height: uint16(d.Height),
			FPS:    fps,
		})
	}
	return out
}

func enumFrameIntervals(fd int, width, height uint32) []uint8 {
	seen := map[uint8]bool{}
	var out []uint8
	var fi v4l2Frmivalenum
	fi.PixelFormat = pixFmtMJPG
	fi.Width = width
	fi.Height = height
	for fi.Index = 0; fi.Index < 64; fi.Index++ {
		if err := ioctl(fd, vidiocEnumFrameintervals, unsafe.Pointer(&fi)); err != nil {
			break
		}
		if fi.Type != v4l2FrmivalTypeDiscrete {
			continue
		}
		num := le32(fi.Union[0:4])
		den := le32(fi.Union[4:8])
		if num == 0 {
			continue
		}
		rate := uint8((den + num/2) / num) // round to nearest integer fps
		if !seen[rate] {
			seen[rate] = true
			out = append(out, rate)
		}
	}
	return out
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
