package main

import (
	"errors"
	"strings"
)

// sliceFlag collects the values of a flag that may be given several times,
// such as -build-flag.
type sliceFlag struct {
	values *[]string
}

func newSliceFlag(values *[]string) *sliceFlag {
	return &sliceFlag{values}
}

func (s *sliceFlag) String() string {
	if s.values == nil {
		return ""
	}
	return strings.Join(*s.values, " ")
}

func (s *sliceFlag) Set(str string) error {
	if str == "" {
		return errors.New("must not be empty")
	}
	*s.values = append(*s.values, str)
	return nil
}
