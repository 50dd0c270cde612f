package nfc

// DetectedTagType represents detected tag type from ATR
type DetectedTagType int

// Detected tag type constants for PC/SC detection
const (
	DetectedUnknown DetectedTagType = iota
	DetectedClassic
	DetectedUltralight
	DetectedDESFire
	DetectedISO14443_4
)

// ATR historical byte patterns for tag type detection
// These are found in the ATR returned by PC/SC readers
var atrPatterns = map[byte]DetectedTagType{
	0x01: DetectedClassic, // 1K
	0x02: DetectedClassic, // 4K
	0x03: DetectedUltralight,
	0x04: DetectedClassic, // Mini
	0x05: DetectedUltralight,
	0x26: DetectedDESFire, // DESFire (various versions)
}

// detectTagTypeFromATR parses ATR and returns detected tag type
func detectTagTypeFromATR(atr []byte) DetectedTagType {
	histStart := findHistoricalBytesStart(atr)
	if histStart < 0 || histStart >= len(atr) {
		return DetectedUnknown
	}
	histBytes := atr[histStart:]

	// PC/SC 2.01 Part 3 storage card format:
	// 80 4F 0C A0 00 00 03 06 SS NN NN ...
	//                            ^^ card name at offset +10
	for i := 0; i+11 < len(histBytes); i++ {
		if histBytes[i] == 0x80 &&
			histBytes[i+1] == 0x4F &&
			histBytes[i+3] == 0xA0 &&
			histBytes[i+4] == 0x00 &&
			histBytes[i+5] == 0x00 &&
			histBytes[i+6] == 0x03 &&
			histBytes[i+7] == 0x06 {
			if t, ok := atrPatterns[histBytes[i+10]]; ok {
				return t
			}
		}
	}

	if containsISO14443_4Indicator(atr) {
		return DetectedISO14443_4
	}
	return DetectedUnknown
}

// findHistoricalBytesStart finds the start of historical bytes in ATR
func findHistoricalBytesStart(atr []byte) int {
	if len(atr) < 2 {
		return -1
	}

	// TS T0 [TA1 TB1 TC1 TD1] [TA2 TB2 TC2 TD2] ... historical TCK
	ts := atr[0]
	if ts != 0x3B && ts != 0x3F {
		return -1
	}

	t0 := atr[1]
	if t0&0x0F == 0 {
		return -1
	}

	pos := 2
	td := t0
	for {
		if td&0x10 != 0 {
			pos++ // TAi
		}
		if td&0x20 != 0 {
			pos++ // TBi
		}
		if td&0x40 != 0 {
			pos++ // TCi
		}
		if td&0x80 == 0 {
			break
		}
		if pos >= len(atr) {
			return -1
		}
		td = atr[pos]
		pos++
	}

	if pos >= len(atr) {
		return -1
	}
	return pos
}

// historicalFromATR returns the historical bytes of a contactless ATR.
func historicalFromATR(atr []byte) []byte {
	start := findHistoricalBytesStart(atr)
	if start < 0 {
		return nil
	}
	end := start + int(atr[1]&0x0F)
	if end > len(atr) {
		end = len(atr)
	}
	return append([]byte(nil), atr[start:end]...)
}

// containsISO14443_4Indicator checks the TDi bytes for T=1, which PC/SC
// readers report for ISO14443-4 (T=CL) cards.
func containsISO14443_4Indicator(atr []byte) bool {
	if len(atr) < 3 {
		return false
	}

	pos := 1
	td := atr[1]
	for td&0x80 != 0 {
		for _, bit := range []byte{0x10, 0x20, 0x40} {
			if td&bit != 0 {
				pos++
			}
		}
		pos++
		if pos >= len(atr) {
			return false
		}
		td = atr[pos]
		if td&0x0F == 0x01 {
			return true
		}
	}
	return false
}

// historicalFromATS returns the historical bytes of an ISO14443-4 ATS. The
// ATS as libnfc reports it starts at T0; TL is already stripped.
func historicalFromATS(ats []byte) []byte {
	if len(ats) == 0 {
		return []byte{}
	}
	t0 := ats[0]
	pos := 1
	for _, bit := range []byte{0x10, 0x20, 0x40} {
		if t0&bit != 0 {
			pos++
		}
	}
	if pos >= len(ats) {
		return []byte{}
	}
	return append([]byte{}, ats[pos:]...)
}

// cardTypeFromSAK classifies a libnfc target by its SAK.
func cardTypeFromSAK(sak byte) string {
	if sak&0x20 != 0 {
		return CardTypeISO14443_4
	}
	return CardTypeISO14443A
}

// pcscIdentity derives SAK and ATQA for a card seen through PC/SC, which
// hides the anti-collision frames. The values match what a common tag of
// that class would have answered.
func pcscIdentity(uid []byte, detected DetectedTagType) (atqa []byte, sak byte) {
	switch detected {
	case DetectedDESFire, DetectedISO14443_4:
		sak = 0x20
	case DetectedUltralight:
		sak = 0x00
	default:
		sak = 0x08
	}
	if len(uid) == 7 {
		atqa = []byte{0x00, 0x44}
	} else {
		atqa = []byte{0x00, 0x04}
	}
	return atqa, sak
}

func detectedTypeName(tagType DetectedTagType) string {
	switch tagType {
	case DetectedDESFire:
		return CardTypeDesfire
	case DetectedISO14443_4:
		return CardTypeISO14443_4
	default:
		return CardTypeISO14443A
	}
}
