package pipeline

import (
	"github.com/rs/zerolog"

	"github.com/avaropoint/remotecast/internal/dto"
	"github.com/avaropoint/remotecast/internal/input"
	"github.com/avaropoint/remotecast/internal/log"
)

// Dispatcher routes DTOs received from viewers to the viewer's flow
// state, its capture adapter or the input injector.
type Dispatcher struct {
	viewers  *ViewerSet
	injector input.Injector
	logger   zerolog.Logger
}

// NewDispatcher creates a Dispatcher. A nil injector discards input.
func NewDispatcher(viewers *ViewerSet, injector input.Injector, logger *zerolog.Logger) *Dispatcher {
	if injector == nil {
		injector = input.Noop{}
	}
	d := &Dispatcher{viewers: viewers, injector: injector}
	if logger != nil {
		d.logger = *logger
	} else {
		d.logger = log.WithComponent("dispatch")
	}
	return d
}

// Dispatch handles one reassembled message from viewerID. Messages from
// unknown viewers and input from viewers without control are dropped.
func (d *Dispatcher) Dispatch(viewerID string, msg dto.Message) error {
	v, adapter, ok := d.viewers.Get(viewerID)
	if !ok {
		d.logger.Debug().Str(log.FieldViewerID, viewerID).Stringer("dto", msg.Type).Msg("dto for unknown viewer")
		return nil
	}

	switch msg.Type {
	case dto.TypeFrameReceived:
		v.FrameReceived()
		return nil
	case dto.TypeSelectScreen:
		sel, err := dto.Decode[dto.SelectScreen](msg)
		if err != nil {
			return err
		}
		return adapter.SetSelectedScreen(sel.DisplayName)
	}

	if !v.HasControl() {
		return nil
	}

	switch msg.Type {
	case dto.TypeMouseMove:
		m, err := dto.Decode[dto.MouseMove](msg)
		if err != nil {
			return err
		}
		return d.injector.SendMouseMove(m.PercentX, m.PercentY, adapter.CurrentScreenBounds())
	case dto.TypeMouseDown, dto.TypeMouseUp:
		m, err := dto.Decode[dto.MouseButton](msg)
		if err != nil {
			return err
		}
		down := msg.Type == dto.TypeMouseDown
		return d.injector.SendMouseButton(m.Button, down, m.PercentX, m.PercentY, adapter.CurrentScreenBounds())
	case dto.TypeMouseWheel:
		m, err := dto.Decode[dto.MouseWheel](msg)
		if err != nil {
			return err
		}
		return d.injector.SendMouseWheel(m.DeltaX, m.DeltaY)
	case dto.TypeKeyDown, dto.TypeKeyUp, dto.TypeKeyPress:
		k, err := dto.Decode[dto.Key](msg)
		if err != nil {
			return err
		}
		switch msg.Type {
		case dto.TypeKeyDown:
			return d.injector.SendKeyDown(k.Key)
		case dto.TypeKeyUp:
			return d.injector.SendKeyUp(k.Key)
		default:
			return d.injector.SendKeyPress(k.Key)
		}
	case dto.TypeCtrlAltDel:
		return d.injector.SendCtrlAltDel()
	default:
		d.logger.Debug().Stringer("dto", msg.Type).Msg("unhandled dto")
		return nil
	}
}
