package audio

import (
	"math"
)

// Levels is the loudness measurement of one PCM frame, reported alongside
// audio chunks for volume-derived UI state.
type Levels struct {
	RMS           float64
	VolumeDB      float64
	VolumePercent float64
}

// Reference levels for the percent mapping. A full-scale int16 sine sits at
// 0 dBFS; -60 dBFS and below is treated as silence.
const (
	silenceFloorDB = -60.0
	maxSample      = 32768.0
)

// MeterLevels computes RMS loudness of little-endian 16-bit PCM and maps it
// onto a 0-100 percent scale between the silence floor and full scale.
func MeterLevels(pcm []byte) Levels {
	n := len(pcm) / 2
	if n == 0 {
		return Levels{VolumeDB: silenceFloorDB}
	}

	var sum float64
	for i := 0; i < n; i++ {
		sample := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += sample * sample
	}
	rms := math.Sqrt(sum / float64(n))

	db := silenceFloorDB
	if rms > 0 {
		db = 20 * math.Log10(rms/maxSample)
		if db < silenceFloorDB {
			db = silenceFloorDB
		}
		if db > 0 {
			db = 0
		}
	}

	percent := (db - silenceFloorDB) / -silenceFloorDB * 100

	return Levels{
		RMS:           rms,
		VolumeDB:      db,
		VolumePercent: percent,
	}
}
