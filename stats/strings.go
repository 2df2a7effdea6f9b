// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stats

// Stat names are variables so that callers pass their address, which keeps
// the hot path free of string copies.
var (
	AllocatorFailures         = "vdfs.allocator.failures"
	AllocatorBlocksAllocated  = "vdfs.allocator.blocks.allocated"
	AllocatorBlocksFreed      = "vdfs.allocator.blocks.freed"
	AllocatorCellsFreed       = "vdfs.allocator.cells.freed"
	CheckpointOps             = "vdfs.headhunter.checkpoint.operations"
	CheckpointNodesWritten    = "vdfs.headhunter.checkpoint.nodes.written"
	ExtentTreeExtentsFreed    = "vdfs.truncate.tree.extents.freed"
	ExtentTreeExtentsSplit    = "vdfs.truncate.tree.extents.split"
	ForkExtentsFreed          = "vdfs.truncate.fork.extents.freed"
	ForkExtentsOverflowed     = "vdfs.fork.extents.overflowed"
	RuntimeBlocksReleased     = "vdfs.truncate.runtime.blocks.released"
	TruncateOps               = "vdfs.truncate.operations"
	OrphanArmOps              = "vdfs.orphan.arm.operations"
	OrphanReclaimedTinyOps    = "vdfs.orphan.reclaimed.tiny.operations"
	OrphanReclaimedSmallOps   = "vdfs.orphan.reclaimed.small.operations"
	OrphanReclaimedRegularOps = "vdfs.orphan.reclaimed.regular.operations"
	OrphanSweepOps            = "vdfs.orphan.sweep.operations"
	InodeCreateOps            = "vdfs.inode.create.operations"
	InodeFlushOps             = "vdfs.inode.flush.operations"
)
