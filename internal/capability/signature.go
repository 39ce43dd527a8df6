package capability

import (
	"bytes"
	"fmt"
	"strings"
)

// FirstChunkCheck returns a validator for the first appended chunk of the
// given media type, or nil when the format has no cheap signature to check.
// The playback buffer runs it before committing the first append so a
// mislabeled stream fails fast instead of producing noise.
func FirstChunkCheck(mediaType string) func([]byte) error {
	mt := strings.ToLower(mediaType)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch mt {
	case "audio/mpeg", "audio/mp3":
		return checkMP3
	case "audio/ogg", "audio/opus":
		return checkOgg
	case "audio/flac", "audio/x-flac":
		return checkFLAC
	case "audio/webm", "video/webm":
		return checkEBML
	case "audio/aac", "audio/aacp":
		return checkADTS
	}
	return nil
}

func checkMP3(b []byte) error {
	if len(b) >= 3 && bytes.HasPrefix(b, []byte("ID3")) {
		return nil
	}
	// Frame sync: eleven set bits.
	if len(b) >= 2 && b[0] == 0xFF && b[1]&0xE0 == 0xE0 {
		return nil
	}
	return fmt.Errorf("capability: no MP3 frame sync in first chunk")
}

func checkOgg(b []byte) error {
	if len(b) >= 4 && bytes.HasPrefix(b, []byte("OggS")) {
		return nil
	}
	return fmt.Errorf("capability: missing OggS page header")
}

func checkFLAC(b []byte) error {
	if len(b) >= 4 && bytes.HasPrefix(b, []byte("fLaC")) {
		return nil
	}
	return fmt.Errorf("capability: missing fLaC marker")
}

func checkEBML(b []byte) error {
	if len(b) >= 4 && bytes.HasPrefix(b, []byte{0x1A, 0x45, 0xDF, 0xA3}) {
		return nil
	}
	return fmt.Errorf("capability: missing EBML header")
}

func checkADTS(b []byte) error {
	if len(b) >= 2 && b[0] == 0xFF && b[1]&0xF0 == 0xF0 {
		return nil
	}
	return fmt.Errorf("capability: no ADTS sync word in first chunk")
}
