package rts

import "github.com/goliatone/go-drama"

// Status codes raised by the sequencer actions.
const (
	StatusGError               drama.Status = 0x0c418012
	StatusNotInitialised       drama.Status = 0x0c41801a
	StatusNotConfigured        drama.Status = 0x0c418022
	StatusNotSetup             drama.Status = 0x0c41802a
	StatusActionWhileSeqActive drama.Status = 0x0c418032
)

func init() {
	drama.RegisterStatusText(StatusGError, "%RTSDC-E-GERROR, General error")
	drama.RegisterStatusText(StatusNotInitialised, "%RTSDC-E-NOTINITIALISED, Task has not been initialised")
	drama.RegisterStatusText(StatusNotConfigured, "%RTSDC-E-NOTCONFIGURED, Task has not been configured")
	drama.RegisterStatusText(StatusNotSetup, "%RTSDC-E-NOTSETUP, Sequence has not been set up")
	drama.RegisterStatusText(StatusActionWhileSeqActive, "%RTSDC-E-SEQACTIVE, Action not allowed while a sequence is active")
}
