// Package ads1100 drives the TI ADS1100 single channel delta-sigma ADC:
// continuous conversions read over a two-wire bus, oversampled, normalized
// and supervised against a configured range.
package ads1100

import (
	"fmt"

	"ads1100host/core"
)

const (
	DefaultAddress uint8  = 0x48
	DefaultSpeed   uint32 = 3000000
)

// Supported conversion rates in samples per second
var Rates = []int{8, 16, 32, 128}

var rateCodes = map[int]uint8{8: 3, 16: 2, 32: 1, 128: 0}

// full scale code for each rate; the data width shrinks as the rate rises
var maxValues = map[int]float64{8: 32768, 16: 16384, 32: 8192, 128: 2048}

var gainCodes = map[int]uint8{1: 0, 2: 1, 4: 2, 8: 3}

var ErrUnsupportedGain = fmt.Errorf("%w: ADS1100 does not support the selected gain", core.ErrConfig)

// Config register layout
const (
	regSingleShot = 0x10
	regRateShift  = 2
	regRateMask   = 0x0C
	regGainMask   = 0x03
)

// SelectRate picks the supported rate nearest to 1/sampleTime using the
// midpoints between neighbouring rates. It returns the rate, the sample
// time that rate really gives, and the normalization constant.
func SelectRate(sampleTime float64) (rate int, actual float64, norm float64) {
	requested := 1. / sampleTime
	switch {
	case requested < (8+16)/2:
		rate = 8
	case requested < (16+32)/2:
		rate = 16
	case requested < (32+128)/2:
		rate = 32
	default:
		rate = 128
	}
	return rate, 1. / float64(rate), maxValues[rate]
}

// GainCode returns the PGA bits for gain
func GainCode(gain int) (uint8, error) {
	code, ok := gainCodes[gain]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedGain, gain)
	}
	return code, nil
}

// EncodeConfigRegister builds the config byte for continuous conversion
// at rate with gain.
func EncodeConfigRegister(rate, gain int) (byte, error) {
	rc, ok := rateCodes[rate]
	if !ok {
		return 0, core.ConfigErrorf("ads1100", "unsupported rate %d", rate)
	}
	gc, err := GainCode(gain)
	if err != nil {
		return 0, err
	}
	return rc<<regRateShift | gc, nil
}

// DecodeConfigRegister returns the rate and gain selected by reg.
// continuous is false when the single conversion bit is set.
func DecodeConfigRegister(reg byte) (rate, gain int, continuous bool) {
	rc := (reg & regRateMask) >> regRateShift
	gc := reg & regGainMask
	for r, code := range rateCodes {
		if code == rc {
			rate = r
		}
	}
	for g, code := range gainCodes {
		if code == gc {
			gain = g
		}
	}
	return rate, gain, reg&regSingleShot == 0
}
