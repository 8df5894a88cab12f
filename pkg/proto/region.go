package proto

// RegionLayout partitions one shared RDMA-registered region into three
// sub-ranges: metadata slots, page slots, and a staging area for the
// buffered PUT/GET paths.
//
// Both peers must derive offsets identically, so this is the single
// shared definition, the same role MetadataSlotOffset plays for the
// metadata sub-range alone.
type RegionLayout struct {
	NumQIDs     int
	StagingSize uint64
}

// MetaRegionSize is the total byte span of the metadata sub-range
// across every qid.
func (l RegionLayout) MetaRegionSize() uint64 {
	return uint64(l.NumQIDs) * NumEntry * MetadataSize
}

// PageRegionSize is the total byte span of the page sub-range across
// every qid.
func (l RegionLayout) PageRegionSize() uint64 {
	return uint64(l.NumQIDs) * NumEntry * MaxPages * PageSize
}

func (l RegionLayout) MetaBase() uint64    { return 0 }
func (l RegionLayout) PageBase() uint64    { return l.MetaRegionSize() }
func (l RegionLayout) StagingBase() uint64 { return l.MetaRegionSize() + l.PageRegionSize() }

// Size is the total region size a peer must register to hold this
// layout.
func (l RegionLayout) Size() uint64 {
	return l.MetaRegionSize() + l.PageRegionSize() + l.StagingSize
}

// MetaOffset is the absolute offset of the (qid, msgNum) metadata slot
// within the whole region.
func (l RegionLayout) MetaOffset(qid uint8, msgNum uint16) uint64 {
	return l.MetaBase() + MetadataSlotOffset(qid, msgNum)
}

// PageOffset is the absolute offset of the (qid, msgNum) fixed page
// slot used by the direct PUT path.
func (l RegionLayout) PageOffset(qid uint8, msgNum uint16) uint64 {
	return l.PageBase() + PageSlotOffset(qid, msgNum)
}
