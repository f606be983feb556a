package replsession

import "sync/atomic"

// StatusChangedFunc observes every published status transition. The status
// value is a copy; callbacks may re-enter the session freely.
type StatusChangedFunc func(status Status, callbackContext any)

// DocumentsEndedFunc receives one direction-homogeneous batch of finished
// revisions at a time.
type DocumentsEndedFunc func(pushing bool, docs []DocumentEnded, callbackContext any)

// BlobProgressFunc observes attachment transfer progress.
type BlobProgressFunc func(progress BlobProgress, callbackContext any)

// callbackSlots holds the three client callbacks in independently swapped
// atomic slots, so detach can never tear an in-flight notification: a
// notification either loads the function and calls it, or loads nil and
// skips it.
type callbackSlots struct {
	statusChanged  atomic.Pointer[StatusChangedFunc]
	documentsEnded atomic.Pointer[DocumentsEndedFunc]
	blobProgress   atomic.Pointer[BlobProgressFunc]
}

func (c *callbackSlots) init(onStatus StatusChangedFunc, onDocs DocumentsEndedFunc, onBlob BlobProgressFunc) {
	if onStatus != nil {
		c.statusChanged.Store(&onStatus)
	}
	if onDocs != nil {
		c.documentsEnded.Store(&onDocs)
	}
	if onBlob != nil {
		c.blobProgress.Store(&onBlob)
	}
}

func (c *callbackSlots) loadStatusChanged() StatusChangedFunc {
	if fn := c.statusChanged.Load(); fn != nil {
		return *fn
	}
	return nil
}

func (c *callbackSlots) loadDocumentsEnded() DocumentsEndedFunc {
	if fn := c.documentsEnded.Load(); fn != nil {
		return *fn
	}
	return nil
}

func (c *callbackSlots) loadBlobProgress() BlobProgressFunc {
	if fn := c.blobProgress.Load(); fn != nil {
		return *fn
	}
	return nil
}

// detach silences all three slots. Safe to call repeatedly.
func (c *callbackSlots) detach() {
	c.statusChanged.Store(nil)
	c.documentsEnded.Store(nil)
	c.blobProgress.Store(nil)
}
