package tsmodel

import "errors"

var (
	errEmptySeriesKey   = errors.New("series_key must not be empty")
	errSeriesKeyTooLong = errors.New("series_key exceeds 255 bytes")
	errTooManyTags      = errors.New("more than 20 tags")
	errTagKeyLen        = errors.New("tag key must be 1..100 bytes")
	errTagValueLen      = errors.New("tag value must be 1..100 bytes")
)
