package engine

import (
	"ferrodb/buffer"
	"ferrodb/clock"
	"ferrodb/journal"
	"ferrodb/volume"
)

// journalSource adapts *journal.Writer's PageMap to buffer.JournalSource
// so the Pool can satisfy a read-miss from an un-copied-back journal
// image before falling back to the Volume (spec.md §4.C, §4.J). journal
// itself stays ignorant of buffer.VolumeID — this adapter is the one
// place the two vocabularies meet.
type journalSource struct {
	w   *journal.Writer
	clk *clock.Allocator
}

func newJournalSource(w *journal.Writer, clk *clock.Allocator) *journalSource {
	return &journalSource{w: w, clk: clk}
}

func (j *journalSource) ReadPageIfPresent(vh buffer.VolumeID, id volume.PageID, buf []byte) (bool, error) {
	img, ok, err := j.w.ReadPage(uint32(vh), uint64(id), j.clk.Current())
	if err != nil || !ok {
		return false, err
	}
	copy(buf, img)
	return true, nil
}
