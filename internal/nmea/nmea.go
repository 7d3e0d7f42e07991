// Package nmea renders position records as NMEA 0183 sentences so the
// emitter can stand in for a GPS receiver on a serial line.
package nmea

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	serial "go.bug.st/serial"

	"github.com/signalsfoundry/fleet-emitter/model"
)

const (
	kphToKnots = 1 / 1.852

	fixSatellites = 8
	fixHDOP       = 0.9
)

// Checksum returns the XOR of every byte between '$' and '*'.
func Checksum(body string) byte {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return sum
}

func sentence(fields ...string) string {
	body := strings.Join(fields, ",")
	return fmt.Sprintf("$%s*%02X\r\n", body, Checksum(body))
}

// Coord converts decimal degrees to the ddmm.mmm (latitude) or dddmm.mmm
// (longitude) form along with its hemisphere letter.
func Coord(dec float64, isLat bool) (string, string) {
	dir := "N"
	if !isLat {
		dir = "E"
	}
	if dec < 0 {
		dec = -dec
		if isLat {
			dir = "S"
		} else {
			dir = "W"
		}
	}
	deg := int(dec)
	min := (dec - float64(deg)) * 60
	// Rounding can carry the minutes up to 60.000.
	if math.Round(min*1000) >= 60000 {
		deg++
		min = 0
	}
	if isLat {
		return fmt.Sprintf("%02d%06.3f", deg, min), dir
	}
	return fmt.Sprintf("%03d%06.3f", deg, min), dir
}

// GGA formats a $GPGGA fix sentence.
func GGA(rec model.Record) string {
	ts := time.Unix(rec.Timestamp, 0).UTC()
	lat, ns := Coord(rec.Position.Lat, true)
	lon, ew := Coord(rec.Position.Lon, false)
	return sentence(
		"GPGGA",
		ts.Format("150405")+".00",
		lat, ns,
		lon, ew,
		"1",
		fmt.Sprintf("%02d", fixSatellites),
		fmt.Sprintf("%.1f", fixHDOP),
		fmt.Sprintf("%.1f", rec.Position.Alt), "M",
		"0.0", "M",
		"", "",
	)
}

// RMC formats a $GPRMC recommended-minimum sentence.
func RMC(rec model.Record) string {
	ts := time.Unix(rec.Timestamp, 0).UTC()
	lat, ns := Coord(rec.Position.Lat, true)
	lon, ew := Coord(rec.Position.Lon, false)
	return sentence(
		"GPRMC",
		ts.Format("150405")+".00",
		"A",
		lat, ns,
		lon, ew,
		fmt.Sprintf("%.1f", rec.Position.SpeedKph*kphToKnots),
		fmt.Sprintf("%.1f", rec.Position.Heading),
		ts.Format("020106"),
		"", "",
		"A",
	)
}

// Writer emits GGA and RMC sentences for every position record.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Publish writes the sentences for rec. Non-position records are ignored.
func (w *Writer) Publish(_ context.Context, rec model.Record) error {
	if rec.Kind != model.RecordKindPosition {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := io.WriteString(w.w, GGA(rec)+RMC(rec)); err != nil {
		return fmt.Errorf("write nmea: %w", err)
	}
	return nil
}

// OpenSerial opens a serial device (e.g. /dev/ttyUSB0) for NMEA output.
func OpenSerial(device string, baud int) (serial.Port, error) {
	if baud <= 0 {
		baud = 9600
	}
	p, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", device, err)
	}
	return p, nil
}
