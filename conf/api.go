// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package conf loads the .INI-style configuration consumed by every vdfs
// package.
//
// A ConfMap is indexed as confMap[sectionName][optionName][valueIndex]. It is
// filled from files (which may .include other files) and from strings of the
// form "Section.Option=value[,value...]" typically given on a command line.
package conf

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ConfMapOption []string
type ConfMapSection map[string]ConfMapOption
type ConfMap map[string]ConfMapSection

// MakeConfMap returns an empty ConfMap.
func MakeConfMap() (confMap ConfMap) {
	confMap = make(ConfMap)
	return
}

// MakeConfMapFromFile returns a ConfMap loaded from confFilePath.
func MakeConfMapFromFile(confFilePath string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromFile(confFilePath)
	return
}

// MakeConfMapFromStrings returns a ConfMap loaded from confStrings.
func MakeConfMapFromStrings(confStrings []string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromStrings(confStrings)
	if nil != err {
		err = fmt.Errorf("Error building confMap from conf strings: %v", err)
	}
	return
}

// UpdateFromString applies a single "Section.Option=values" override.
func (confMap ConfMap) UpdateFromString(confString string) (err error) {
	var (
		optionName   string
		optionValues []string
		sectionName  string
	)

	sectionName, optionName, optionValues, err = parseConfString(confString)
	if nil != err {
		return
	}

	confMap.set(sectionName, optionName, optionValues)

	return
}

// UpdateFromStrings applies each of confStrings in order.
func (confMap ConfMap) UpdateFromStrings(confStrings []string) (err error) {
	for _, confString := range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			return
		}
	}
	return
}

// UpdateFromFile applies the contents of confFilePath (and anything it
// .include's) to confMap.
func (confMap ConfMap) UpdateFromFile(confFilePath string) (err error) {
	err = confMap.loadFile(confFilePath, 0)
	return
}

// FetchOptionValueStringSlice returns every value of [sectionName]optionName.
func (confMap ConfMap) FetchOptionValueStringSlice(sectionName string, optionName string) (optionValue []string, err error) {
	section, ok := confMap[sectionName]
	if !ok {
		err = fmt.Errorf("[%v] missing", sectionName)
		return
	}

	option, ok := section[optionName]
	if !ok {
		err = fmt.Errorf("[%v]%v missing", sectionName, optionName)
		return
	}

	optionValue = option

	return
}

// FetchOptionValueString returns the single value of [sectionName]optionName.
func (confMap ConfMap) FetchOptionValueString(sectionName string, optionName string) (optionValue string, err error) {
	optionValueSlice, err := confMap.FetchOptionValueStringSlice(sectionName, optionName)
	if nil != err {
		return
	}

	if 1 != len(optionValueSlice) {
		err = fmt.Errorf("[%v]%v must be single-valued", sectionName, optionName)
		return
	}

	optionValue = optionValueSlice[0]

	return
}

func (confMap ConfMap) FetchOptionValueBool(sectionName string, optionName string) (optionValue bool, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	switch strings.ToLower(optionValueString) {
	case "yes", "on", "true":
		optionValue = true
	case "no", "off", "false":
		optionValue = false
	default:
		err = fmt.Errorf("[%v]%v must be a bool", sectionName, optionName)
	}

	return
}

func (confMap ConfMap) FetchOptionValueUint16(sectionName string, optionName string) (optionValue uint16, err error) {
	u64, err := confMap.fetchUint(sectionName, optionName, 16)
	optionValue = uint16(u64)
	return
}

func (confMap ConfMap) FetchOptionValueUint32(sectionName string, optionName string) (optionValue uint32, err error) {
	u64, err := confMap.fetchUint(sectionName, optionName, 32)
	optionValue = uint32(u64)
	return
}

func (confMap ConfMap) FetchOptionValueUint64(sectionName string, optionName string) (optionValue uint64, err error) {
	optionValue, err = confMap.fetchUint(sectionName, optionName, 64)
	return
}

// FetchOptionValueDuration accepts anything time.ParseDuration does plus a
// bare number of seconds (e.g. "1.5").
func (confMap ConfMap) FetchOptionValueDuration(sectionName string, optionName string) (optionValue time.Duration, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = time.ParseDuration(optionValueString)
	if nil == err {
		return
	}

	seconds, parseErr := strconv.ParseFloat(optionValueString, 64)
	if nil != parseErr {
		return
	}
	if 0 > seconds {
		err = fmt.Errorf("[%v]%v must be a non-negative duration", sectionName, optionName)
		return
	}

	optionValue = time.Duration(seconds * float64(time.Second))
	err = nil

	return
}

// SetOption is a convenience for tools that synthesize a ConfMap.
func (confMap ConfMap) SetOption(sectionName string, optionName string, optionValues ...string) {
	confMap.set(sectionName, optionName, optionValues)
}

func (confMap ConfMap) fetchUint(sectionName string, optionName string, bitSize int) (optionValue uint64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = strconv.ParseUint(optionValueString, 0, bitSize)
	if nil != err {
		err = fmt.Errorf("[%v]%v must be a uint%v: %v", sectionName, optionName, bitSize, err)
	}

	return
}
