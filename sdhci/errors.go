package sdhci

import "errors"

// Errors returned by the driver.  Call sites wrap these with additional
// context, so check with errors.Is.
var (
	ErrTimeout      = errors.New("command timeout")
	ErrCRC          = errors.New("command crc error")
	ErrEndBit       = errors.New("command end bit error")
	ErrIndex        = errors.New("command index error")
	ErrDataTimeout  = errors.New("data timeout")
	ErrDataCRC      = errors.New("data crc error")
	ErrDataEndBit   = errors.New("data end bit error")
	ErrCurrentLimit = errors.New("current limit exceeded")
	ErrCommand      = errors.New("command failed")
	ErrData         = errors.New("data transfer failed")
	ErrBadMessage   = errors.New("card rejected message")
	ErrNoCard       = errors.New("no card present")

	ErrUnsupportedCard = errors.New("unsupported card")
	ErrIO              = errors.New("io error")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrMemory          = errors.New("buffer not usable for transfer")
)
