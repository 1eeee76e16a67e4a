package rtld

import (
	"fmt"

	"go.uber.org/zap"
)

// InitTCB fills in the DTV of the thread whose control block is at tcb and
// copies the initialization image of every static TLS module into place.
// A zero tcb is returned unchanged.
func (t *TLS) InitTCB(tcb uintptr) uintptr {
	if tcb == 0 {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	if err := t.dtvInitialize(tcb); err != nil {
		t.fatal("initialize dtv", zap.Uintptr("tcb", tcb), zap.Error(err))
	}
	return tcb
}

// AllocateTCB prepares a new thread. When mem is zero the TCB and its static
// TLS area are allocated here and released by DeallocateTCB(tcb, true).
// It returns zero if memory cannot be obtained.
func (t *TLS) AllocateTCB(mem uintptr) uintptr {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tcb := mem
	if tcb == 0 {
		var err error
		if tcb, err = t.tcbAllocate(); err != nil {
			t.log.Error("allocate tcb", zap.Error(err))
			return 0
		}
	}
	if err := t.dtvAllocate(tcb, t.nextID); err != nil {
		t.log.Error("allocate dtv", zap.Uintptr("tcb", tcb), zap.Error(err))
		if mem == 0 {
			t.tcbDeallocate(tcb)
		}
		return 0
	}
	if err := t.dtvInitialize(tcb); err != nil {
		t.fatal("initialize dtv", zap.Uintptr("tcb", tcb), zap.Error(err))
	}
	return tcb
}

// DeallocateTCB releases the thread's DTV and every TLS block allocated on
// demand for it. The TCB storage itself is released only if freeTCB is set,
// because the caller may own it.
func (t *TLS) DeallocateTCB(tcb uintptr, freeTCB bool) {
	if tcb == 0 {
		return
	}
	t.dtvDeallocate(tcb)
	if freeTCB {
		t.mu.RLock()
		defer t.mu.RUnlock()
		t.tcbDeallocate(tcb)
	}
}

// GetAddr resolves (id, offset) for the thread at tcb, materializing the
// module's block on first use.
func (t *TLS) GetAddr(tcb, id, offset uintptr) uintptr {
	if addr := t.GetAddrFast(tcb, id, offset); addr != 0 {
		return addr
	}
	return t.GetAddrSlow(tcb, id, offset)
}

// GetAddrFast resolves through the DTV alone, without locking. It returns zero
// when the thread has no block for the module yet.
func (t *TLS) GetAddrFast(tcb, id, offset uintptr) uintptr {
	if tcb == 0 || id == 0 {
		return 0
	}
	dtv := loadWord(tcb + dtvSlot)
	if dtv == 0 || id > loadWord(dtv-dtvEntrySize) {
		return 0
	}
	block := loadWord(dtv + id*dtvEntrySize)
	if block == 0 {
		return 0
	}
	return block + offset
}

// GetAddrSlow allocates and initializes the module's block for this thread,
// growing the DTV if the module was registered after the thread was set up.
func (t *TLS) GetAddrSlow(tcb, id, offset uintptr) uintptr {
	t.mu.RLock()
	defer t.mu.RUnlock()

	d, ok := t.byID[id]
	if !ok {
		t.fatal("tls access to unknown module", zap.Uintptr("id", id))
		return 0
	}
	if tcb == 0 {
		t.fatal("tls access without a thread control block", zap.Uintptr("id", id))
		return 0
	}

	dtv, err := t.ensureSlots(tcb, id)
	if err != nil {
		t.fatal("grow dtv", zap.Uintptr("tcb", tcb), zap.Error(err))
		return 0
	}
	entry := dtv + id*dtvEntrySize
	if block := loadWord(entry); block != 0 {
		return block + offset
	}

	block, err := t.alloc.Alloc(d.Size, d.Align)
	if err != nil {
		t.fatal("allocate tls block", zap.String("file", d.name), zap.Error(err))
		return 0
	}
	initBlock(block, d)
	storeWord(entry, block)
	storeWord(entry+ptrSize, block)

	t.log.Debug("tls block allocated",
		zap.String("file", d.name),
		zap.Uintptr("tcb", tcb),
		zap.Uintptr("block", block))
	return block + offset
}

func initBlock(block uintptr, d *TLSDesc) {
	n := d.InitSize
	if d.InitImage == 0 || n > d.Size {
		n = 0
	}
	copyMem(block, d.InitImage, n)
	zeroMem(block+n, d.Size-n)
}

func (t *TLS) tcbAllocate() (uintptr, error) {
	pre := alignUp(t.staticSize, t.staticAlign)
	base, err := t.alloc.Alloc(pre+t.tcbSize, t.staticAlign)
	if err != nil {
		return 0, err
	}
	tcb := base + pre
	t.tcbs.Store(tcb, base)
	return tcb, nil
}

func (t *TLS) tcbDeallocate(tcb uintptr) {
	base, ok := t.tcbs.LoadAndDelete(tcb)
	if !ok {
		t.log.Warn("tcb was not allocated by the loader", zap.Uintptr("tcb", tcb))
		return
	}
	if err := t.alloc.Free(base.(uintptr)); err != nil {
		t.log.Warn("free tcb", zap.Uintptr("tcb", tcb), zap.Error(err))
	}
}

// dtvAllocate reserves a DTV with room for ids up to n and installs it in the
// TCB. Entries start out unset.
func (t *TLS) dtvAllocate(tcb, n uintptr) error {
	slots := n + dtvSurplus
	base, err := t.alloc.Alloc((slots+2)*dtvEntrySize, ptrSize)
	if err != nil {
		return fmt.Errorf("allocate dtv with %d slots: %w", slots, err)
	}
	storeWord(base, slots)
	storeWord(tcb+dtvSlot, base+dtvEntrySize)
	return nil
}

func (t *TLS) dtvInitialize(tcb uintptr) error {
	dtv, err := t.ensureSlots(tcb, t.nextID)
	if err != nil {
		return err
	}
	slots := loadWord(dtv - dtvEntrySize)
	// A reused TCB may still own blocks from a previous thread.
	t.freeDynamicBlocks(dtv, slots)
	zeroMem(dtv+dtvEntrySize, slots*dtvEntrySize)
	for _, d := range t.statics {
		block := tcb - d.Offset
		initBlock(block, d)
		storeWord(dtv+d.ID*dtvEntrySize, block)
	}
	storeWord(dtv, t.generation)
	return nil
}

// ensureSlots returns the thread's DTV, allocating or growing it so that id
// has a slot.
func (t *TLS) ensureSlots(tcb, id uintptr) (uintptr, error) {
	dtv := loadWord(tcb + dtvSlot)
	if dtv == 0 {
		if err := t.dtvAllocate(tcb, id); err != nil {
			return 0, err
		}
		return loadWord(tcb + dtvSlot), nil
	}
	slots := loadWord(dtv - dtvEntrySize)
	if id <= slots {
		return dtv, nil
	}

	old := dtv - dtvEntrySize
	if err := t.dtvAllocate(tcb, id); err != nil {
		return 0, err
	}
	grown := loadWord(tcb + dtvSlot)
	copyMem(grown, dtv, (slots+1)*dtvEntrySize)
	if err := t.alloc.Free(old); err != nil {
		t.log.Warn("free old dtv", zap.Uintptr("tcb", tcb), zap.Error(err))
	}
	return grown, nil
}

func (t *TLS) dtvDeallocate(tcb uintptr) {
	dtv := loadWord(tcb + dtvSlot)
	if dtv == 0 {
		return
	}
	t.freeDynamicBlocks(dtv, loadWord(dtv-dtvEntrySize))
	if err := t.alloc.Free(dtv - dtvEntrySize); err != nil {
		t.log.Warn("free dtv", zap.Uintptr("tcb", tcb), zap.Error(err))
	}
	storeWord(tcb+dtvSlot, 0)
}

func (t *TLS) freeDynamicBlocks(dtv, slots uintptr) {
	for id := uintptr(1); id <= slots; id++ {
		entry := dtv + id*dtvEntrySize
		toFree := loadWord(entry + ptrSize)
		if toFree == 0 {
			continue
		}
		if err := t.alloc.Free(toFree); err != nil {
			t.log.Warn("free tls block", zap.Uintptr("id", id), zap.Error(err))
		}
		storeWord(entry, 0)
		storeWord(entry+ptrSize, 0)
	}
}

// ThreadBlock returns the TLS block of module id for the thread at tcb,
// materializing it if needed.
func (t *TLS) ThreadBlock(tcb, id uintptr) ([]byte, error) {
	d, err := t.Lookup(id)
	if err != nil {
		return nil, err
	}
	addr := t.GetAddr(tcb, id, 0)
	return bytesAt(addr, d.Size), nil
}
