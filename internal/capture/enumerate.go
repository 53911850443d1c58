package capture

import (
	"log"
)

// Opener builds the source for a candidate device number.
type Opener func(deviceID int) Source

// Enumerate tries device numbers from 0. A device that opens and produces
// a frame is kept open and returned; any other device counts as an error.
// Scanning stops once errors reach skip or limit devices were tried.
func Enumerate(open Opener, skip, limit int) []Source {
	var (
		found  []Source
		errors int
	)

	for device := 0; device < limit && errors < skip; device++ {
		src := open(device)
		if err := Check(src); err != nil {
			errors++
			continue
		}
		log.Printf("Found video source %s", src.ID())
		found = append(found, src)
	}

	return found
}

// Check opens src and reads one frame. A source that cannot produce a frame
// is closed and the failure returned.
func Check(src Source) error {
	if err := src.Open(); err != nil {
		return err
	}
	mat, err := src.ReadFrame()
	if err != nil {
		src.Close()
		return err
	}
	mat.Close()
	return nil
}
