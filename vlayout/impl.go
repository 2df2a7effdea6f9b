// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package vlayout

import (
	"encoding/binary"
	"fmt"

	"github.com/NVIDIA/cstruct"

	"github.com/NVIDIA/vdfs/blunder"
)

func corrupt(what string, err error) error {
	return blunder.NewError(blunder.CorruptForkError, "malformed %s: %v", what, err)
}

func errNotCanonical(name string) error {
	return fmt.Errorf("%q is not in canonical form", name)
}

func marshalFixed(obj interface{}) (buf []byte, err error) {
	buf, err = cstruct.Pack(obj, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.PackError)
	}
	return
}

func unmarshalFixed(buf []byte, obj interface{}, what string) (bytesConsumed uint64, err error) {
	bytesConsumed, err = cstruct.Unpack(buf, obj, cstruct.LittleEndian)
	if nil != err {
		err = corrupt(what, err)
	}
	return
}

func (superBlock *SuperBlockV1Struct) validate() (err error) {
	if SuperBlockMagic != superBlock.Magic {
		err = corrupt("SuperBlockV1Struct", fmt.Errorf("bad magic 0x%X", superBlock.Magic))
		return
	}
	if SuperBlockVersionV1 != superBlock.Version {
		err = corrupt("SuperBlockV1Struct", fmt.Errorf("version %d unsupported", superBlock.Version))
		return
	}
	if (0 == superBlock.BlockSize) || (0 != (superBlock.BlockSize & (superBlock.BlockSize - 1))) {
		err = corrupt("SuperBlockV1Struct", fmt.Errorf("block size %d not a power of two", superBlock.BlockSize))
		return
	}
	if superBlock.FirstDataBlock >= superBlock.TotalBlocks {
		err = corrupt("SuperBlockV1Struct", fmt.Errorf("first data block %d beyond total blocks %d", superBlock.FirstDataBlock, superBlock.TotalBlocks))
	}
	return
}

func leGetUint64FromBuf(buf []byte, curPos int) (u64 uint64, nextPos int, err error) {
	nextPos = curPos + 8

	if nextPos > len(buf) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for uint64")
		return
	}

	u64 = binary.LittleEndian.Uint64(buf[curPos:nextPos])

	return
}

func lePutUint64ToBuf(buf []byte, curPos int, u64 uint64) (nextPos int, err error) {
	nextPos = curPos + 8

	if nextPos > len(buf) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for uint64")
		return
	}

	binary.LittleEndian.PutUint64(buf[curPos:nextPos], u64)

	return
}

func leGetStringFromBuf(buf []byte, curPos int) (s string, nextPos int, err error) {
	var sLen uint64

	sLen, nextPos, err = leGetUint64FromBuf(buf, curPos)
	if nil != err {
		return
	}

	if sLen > (uint64(len(buf)) - uint64(nextPos)) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for string of reported length")
		return
	}

	s = string(buf[nextPos : nextPos+int(sLen)])
	nextPos += int(sLen)

	return
}

func lePutStringToBuf(buf []byte, curPos int, s string) (nextPos int, err error) {
	nextPos, err = lePutUint64ToBuf(buf, curPos, uint64(len(s)))
	if nil != err {
		return
	}

	curPos = nextPos
	nextPos += len(s)

	if nextPos > len(buf) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for string")
		return
	}

	copy(buf[curPos:nextPos], s)

	return
}
