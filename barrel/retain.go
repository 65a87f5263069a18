package barrel

import (
	"errors"
	"sort"
)

// ErrRetainFailed is returned when no sequence of displacements brings
// every barrel under Cap within the 100-pass budget. The caller should
// treat it as fatal for the in-flight seal (discard or regrow), not
// attempt partial recovery.
var ErrRetainFailed = errors.New("barrel: retain failed to converge")

// MaxPasses bounds the number of full sweeps Retain will attempt before
// declaring the distribution adversarial.
const MaxPasses = 100

// Retain redistributes items so that every barrel in barrels fits within
// Cap bytes, displacing the lowest order-hash items of each oversized
// barrel into the barrel with the least volume.
func Retain(barrels []*Barrel) error {
	if allFit(barrels) {
		return nil
	}
	for pass := 0; pass < MaxPasses; pass++ {
		order := append([]*Barrel(nil), barrels...)
		sort.Slice(order, func(i, j int) bool { return order[i].Volume < order[j].Volume })

		if order[len(order)-1].Volume <= Cap {
			return nil
		}

		progressed := false
		li, ri := 0, len(order)-1
		for li < ri {
			R := order[ri]
			if R.Volume <= Cap {
				ri--
				continue
			}
			L := order[li]
			if L.NrOut != 0 {
				li++
				continue
			}
			if !displaceInto(R, L) {
				li++
				continue
			}
			progressed = true
			li++
			ri--
		}
		if !progressed {
			return ErrRetainFailed
		}
	}
	return ErrRetainFailed
}

func allFit(barrels []*Barrel) bool {
	for _, b := range barrels {
		if b.Volume > Cap {
			return false
		}
	}
	return true
}

// displaceInto moves the lowest order-hash items out of R into L until R
// fits, recording R's MetaIndex fields. Returns false only when nothing
// has to move (R already fits). When even R's highest-ranked item alone
// exceeds Cap, every item of R moves to L.
func displaceInto(R, L *Barrel) bool {
	items := R.removeAll()
	sortItemsByOrder(items, R.ID)

	keptVol := 0
	i := len(items)
	for i > 0 {
		v := items[i-1].EncodedLen()
		if keptVol+v > Cap {
			break
		}
		keptVol += v
		i--
	}
	moved := items[:i]
	kept := items[i:]

	if len(moved) == 0 {
		R.absorb(items)
		return false
	}

	for _, it := range moved {
		it.nrMoved++
	}
	L.absorb(moved)
	R.absorb(kept)

	R.NrOut = uint16(len(moved))
	R.RID = L.ID
	if len(kept) > 0 {
		R.Min = kept[0].Digest.OrderHash(R.ID)
	} else {
		R.Min = 0
	}
	return true
}
