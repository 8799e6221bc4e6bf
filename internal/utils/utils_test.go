package utils

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9

	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	// Use bufio.Scanner with our custom Split function
	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	// Scan() should skip the first garbage bytes and find the JPEG
	if !scanner.Scan() {
		t.Fatal("Expected to find a token, got EOF")
	}

	// Verify the extracted token is exactly the JPEG
	if !bytes.Equal(scanner.Bytes(), jpegData) {
		t.Errorf("Expected %X, got %X", jpegData, scanner.Bytes())
	}

	// Scan() again should return false (EOF) because the trailing garbage is not a JPEG
	if scanner.Scan() {
		t.Error("Expected only one token, found more")
	}
}

func TestFFmpegArgs(t *testing.T) {
	file := FFmpegArgs("/videos/lobby.mp4")
	want := []string{"-hide_banner", "-loglevel", "error", "-i", "/videos/lobby.mp4", "-f", "image2pipe", "-vcodec", "mjpeg", "-"}
	if strings.Join(file, " ") != strings.Join(want, " ") {
		t.Errorf("FFmpegArgs(file) = %v, want %v", file, want)
	}

	// Capture devices need the v4l2 demuxer before the input
	cam := FFmpegArgs("/dev/video0")
	if len(cam) != len(want)+2 || cam[3] != "-f" || cam[4] != "v4l2" || cam[6] != "/dev/video0" {
		t.Errorf("FFmpegArgs(camera) = %v", cam)
	}
}

func TestIsCameraSource(t *testing.T) {
	if !IsCameraSource("/dev/video2") {
		t.Error("Expected /dev/video2 to be a camera")
	}
	if IsCameraSource("clip.mp4") {
		t.Error("Expected clip.mp4 to be a file")
	}
}
