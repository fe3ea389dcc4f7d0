package xfer

// PromptSet describes the console dialogue a bootloader speaks around
// the block transfer itself: how to select the download menu entry,
// what the bootloader prints when it is ready to receive, and how to
// answer the end-of-transfer question depending on whether more
// payloads follow.
type PromptSet struct {
	// MenuSelect is written repeatedly until ReadyMarkers appears.
	MenuSelect []byte

	// ReadyMarkers are substrings of console output that indicate the
	// bootloader is waiting for a transfer to start. Any match counts.
	ReadyMarkers []string

	// DoneMarkers are substrings printed once a payload has been
	// written to flash and the bootloader asks whether to reboot.
	DoneMarkers []string

	// Continue answers the reboot question when further payloads
	// remain in the session.
	Continue []byte

	// ConfirmReboot answers the reboot question after the final
	// payload.
	ConfirmReboot []byte
}

// profiles maps a chip family to its console dialogue.
var profiles = map[string]PromptSet{
	"himax-we2": {
		MenuSelect:    []byte("1\r"),
		ReadyMarkers:  []string{"Xmodem download and burn", "Send image binary through Xmodem", "waiting for xmodem"},
		DoneMarkers:   []string{"Do you want to end file transmission and reboot system", "burn application done"},
		Continue:      []byte("n\r"),
		ConfirmReboot: []byte("y\r"),
	},
}

// PromptsFor returns the console dialogue for a chip family. The
// second result is false for families without a serial bootloader
// menu.
func PromptsFor(chipFamily string) (PromptSet, bool) {
	p, ok := profiles[chipFamily]
	return p, ok
}
