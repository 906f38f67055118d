package reporter

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"github.com/rs/zerolog/log"

	"crowdbus/internal/bus"
)

// Fix is one location reading from a device.
type Fix struct {
	Lat      float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng      float64 `json:"lng" validate:"gte=-180,lte=180"`
	Accuracy float64 `json:"accuracy" validate:"gte=0"`
	Time     int64   `json:"time" validate:"gte=0"` // epoch ms; 0 means "now"
}

func (f Fix) Sample() bus.GeoSample {
	return bus.GeoSample{Lat: f.Lat, Lng: f.Lng, Accuracy: f.Accuracy, Time: f.Time}
}

// Source yields fixes until it returns io.EOF. Failed reads are *GPSError.
type Source interface {
	Next(ctx context.Context) (Fix, error)
}

type line struct {
	Fix
	Error   string `json:"error"`
	Message string `json:"message"`
}

type result struct {
	fix Fix
	err error
}

// NDJSONSource reads one JSON object per line:
//
//	{"lat":28.61,"lng":77.21,"accuracy":12,"time":1700000000000}
//	{"error":"timeout","message":"no fix within 10s"}
//
// Lines that are not valid JSON are skipped.
type NDJSONSource struct {
	out chan result
}

func NewNDJSONSource(r io.Reader) *NDJSONSource {
	s := &NDJSONSource{out: make(chan result)}
	go s.read(r)
	return s
}

func (s *NDJSONSource) read(r io.Reader) {
	defer close(s.out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			log.Debug().Err(err).Msg("skipping malformed fix line")
			continue
		}
		if l.Error != "" {
			s.out <- result{err: &GPSError{Code: ParseGPSCode(l.Error), Msg: l.Message}}
			continue
		}
		s.out <- result{fix: l.Fix}
	}
	if err := sc.Err(); err != nil {
		s.out <- result{err: err}
	}
}

func (s *NDJSONSource) Next(ctx context.Context) (Fix, error) {
	select {
	case <-ctx.Done():
		return Fix{}, ctx.Err()
	case r, ok := <-s.out:
		if !ok {
			return Fix{}, io.EOF
		}
		return r.fix, r.err
	}
}
