package postgres

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/brettdup/trainstate/internal/domain"
)

// Routes are stored as one opaque binary blob per workout: a fixed header
// followed by (lat, lon, unix-milli) triples. Millisecond precision is well
// beyond what degraded GPS sampling provides.

const (
	routeBlobMagic   = uint32(0x54535254) // "TSRT"
	routeBlobVersion = byte(1)
	routeHeaderLen   = 4 + 1 + 4
	routePointLen    = 8 + 8 + 8
)

// ErrBadRouteBlob is returned when a stored route payload cannot be decoded.
var ErrBadRouteBlob = errors.New("malformed route payload")

func encodeRoute(points []domain.TrackPoint) []byte {
	buf := make([]byte, routeHeaderLen+routePointLen*len(points))
	binary.BigEndian.PutUint32(buf[0:4], routeBlobMagic)
	buf[4] = routeBlobVersion
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(points)))

	offset := routeHeaderLen
	for _, p := range points {
		binary.BigEndian.PutUint64(buf[offset:], math.Float64bits(p.Latitude))
		binary.BigEndian.PutUint64(buf[offset+8:], math.Float64bits(p.Longitude))
		binary.BigEndian.PutUint64(buf[offset+16:], uint64(p.Time.UnixMilli()))
		offset += routePointLen
	}
	return buf
}

func decodeRoute(payload []byte) ([]domain.TrackPoint, error) {
	if len(payload) < routeHeaderLen {
		return nil, fmt.Errorf("%w: short header", ErrBadRouteBlob)
	}
	if binary.BigEndian.Uint32(payload[0:4]) != routeBlobMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadRouteBlob)
	}
	if payload[4] != routeBlobVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadRouteBlob, payload[4])
	}

	count := int(binary.BigEndian.Uint32(payload[5:9]))
	if len(payload) != routeHeaderLen+routePointLen*count {
		return nil, fmt.Errorf("%w: length mismatch", ErrBadRouteBlob)
	}

	points := make([]domain.TrackPoint, count)
	offset := routeHeaderLen
	for i := range points {
		points[i] = domain.TrackPoint{
			Latitude:  math.Float64frombits(binary.BigEndian.Uint64(payload[offset:])),
			Longitude: math.Float64frombits(binary.BigEndian.Uint64(payload[offset+8:])),
			Time:      time.UnixMilli(int64(binary.BigEndian.Uint64(payload[offset+16:]))).UTC(),
		}
		offset += routePointLen
	}
	return points, nil
}
