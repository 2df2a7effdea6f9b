// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"bufio"
	"bytes"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// An override string looks like one of:
//
//   <section>.<option> =
//   <section>.<option> : <value>
//   <section>.<option> = <value>, <value> <value>
//
// A file looks like:
//
//   [<section>]
//   <option> = <value>           # trailing comment
//   ; comment line
//   .include <path relative to this file>

const (
	assignment = "([ \t]*[=:][ \t]*)"
	separator  = "([ \t]+|([ \t]*,[ \t]*))"
	token      = "(([0-9A-Za-z_\\*\\-/:\\.\\[\\]]+)\\$?)"
	valueList  = "(" + token + "(" + separator + token + ")*)?"

	maxIncludeDepth = 16
)

var (
	confStringRE    = regexp.MustCompile("\\A" + token + "(\\.)" + token + assignment + valueList + "\\z")
	sectionHeaderRE = regexp.MustCompile("\\A\\[" + token + "\\]\\z")
	optionLineRE    = regexp.MustCompile("\\A" + token + assignment + valueList + "\\z")
	includeLineRE   = regexp.MustCompile("\\A\\.include[ \t]+" + token + "\\z")

	assignmentRE = regexp.MustCompile(assignment)
	separatorRE  = regexp.MustCompile(separator)
)

func (confMap ConfMap) set(sectionName string, optionName string, optionValues []string) {
	section, ok := confMap[sectionName]
	if !ok {
		section = make(ConfMapSection)
		confMap[sectionName] = section
	}
	section[optionName] = optionValues
}

func splitValues(optionValues string) (values []string) {
	if "" == optionValues {
		values = []string{}
		return
	}
	values = separatorRE.Split(optionValues, -1)
	return
}

func parseConfString(confString string) (sectionName string, optionName string, optionValues []string, err error) {
	trimmed := strings.Trim(confString, " \t")

	if 0 == len(trimmed) {
		err = fmt.Errorf("trimmed confString: \"%v\" was found to be empty", confString)
		return
	}
	if !confStringRE.MatchString(trimmed) {
		err = fmt.Errorf("malformed confString: \"%v\"", confString)
		return
	}

	sectionAndPayload := strings.SplitN(trimmed, ".", 2)
	nameAndValues := assignmentRE.Split(sectionAndPayload[1], 2)

	sectionName = sectionAndPayload[0]
	optionName = nameAndValues[0]
	optionValues = splitValues(nameAndValues[1])

	return
}

func stripComment(line string) string {
	if i := strings.IndexAny(line, "#;"); 0 <= i {
		line = line[:i]
	}
	return strings.Trim(line, " \t\r")
}

func (confMap ConfMap) loadFile(confFilePath string, depth int) (err error) {
	var (
		absConfFilePath string
		confFileBytes   []byte
		currentSection  string
		lineNumber      int
		scanner         *bufio.Scanner
	)

	if maxIncludeDepth < depth {
		err = fmt.Errorf(".include nesting too deep at %v", confFilePath)
		return
	}

	absConfFilePath, err = filepath.Abs(confFilePath)
	if nil != err {
		return
	}

	confFileBytes, err = ioutil.ReadFile(absConfFilePath)
	if nil != err {
		return
	}
	if (0 < len(confFileBytes)) && ('\n' != confFileBytes[len(confFileBytes)-1]) {
		err = fmt.Errorf("file %v did not end in a '\\n' character", confFilePath)
		return
	}

	scanner = bufio.NewScanner(bytes.NewReader(confFileBytes))

	for scanner.Scan() {
		lineNumber++

		line := stripComment(scanner.Text())

		switch {
		case "" == line:
			// blank or comment-only
		case sectionHeaderRE.MatchString(line):
			currentSection = line[1 : len(line)-1]
		case includeLineRE.MatchString(line):
			includePath := strings.TrimSpace(strings.TrimPrefix(line, ".include"))
			if !filepath.IsAbs(includePath) {
				includePath = filepath.Join(filepath.Dir(absConfFilePath), includePath)
			}
			err = confMap.loadFile(includePath, depth+1)
			if nil != err {
				return
			}
		case optionLineRE.MatchString(line):
			if "" == currentSection {
				err = fmt.Errorf("file %v line %v: option outside of any section", confFilePath, lineNumber)
				return
			}
			nameAndValues := assignmentRE.Split(line, 2)
			confMap.set(currentSection, nameAndValues[0], splitValues(nameAndValues[1]))
		default:
			err = fmt.Errorf("file %v malformed line %v: %v", confFilePath, lineNumber, strconv.Quote(line))
			return
		}
	}

	err = scanner.Err()

	return
}
