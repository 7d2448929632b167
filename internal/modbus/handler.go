package modbus

import (
	"errors"
	"math"

	log "github.com/sirupsen/logrus"
	mbserver "github.com/simonvetter/modbus"
	"github.com/w1xm/accessctl_sim/barrier"
	"github.com/w1xm/accessctl_sim/registers"
)

// Read-only telemetry layout.
const (
	InputClosed = iota
	InputOpen
	InputMoving
	numInputs
)

const (
	RegAngle = iota // tenths of a degree
	RegMotion       // int16
	RegElapsed      // whole seconds, saturating
	numInputRegisters
)

type StatusSource interface {
	Status() barrier.Status
}

// Handler maps Modbus requests onto the register store. Coils and holding
// registers are the store's regions, address for address; discrete inputs
// and input registers report the barrier state.
type Handler struct {
	store  *registers.Store
	model  StatusSource
	unitID uint8
	log    log.FieldLogger
}

func NewHandler(store *registers.Store, model StatusSource, unitID uint8, logger log.FieldLogger) *Handler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Handler{
		store:  store,
		model:  model,
		unitID: unitID,
		log:    logger.WithField("component", "modbus"),
	}
}

func (h *Handler) UnitID() uint8 {
	return h.unitID
}

func (h *Handler) checkUnit(unitID uint8) error {
	if unitID != h.unitID {
		return mbserver.ErrGWTargetFailedToRespond
	}
	return nil
}

// storeError translates store failures into Modbus exceptions.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	var rerr *registers.RangeError
	if errors.As(err, &rerr) {
		return mbserver.ErrIllegalDataAddress
	}
	return mbserver.ErrServerDeviceFailure
}

func window(size int, addr, quantity uint16) (int, int, error) {
	start, end := int(addr), int(addr)+int(quantity)
	if quantity == 0 || end > size {
		return 0, 0, mbserver.ErrIllegalDataAddress
	}
	return start, end, nil
}

func (h *Handler) HandleCoils(req *mbserver.CoilsRequest) ([]bool, error) {
	if err := h.checkUnit(req.UnitId); err != nil {
		return nil, err
	}
	if req.IsWrite {
		if err := h.store.WriteCoils(int(req.Addr), req.Args...); err != nil {
			return nil, storeError(err)
		}
		h.log.WithFields(log.Fields{
			"client": req.ClientAddr,
			"addr":   req.Addr,
			"values": req.Args,
		}).Debug("coils written")
		return nil, nil
	}
	res, err := h.store.ReadCoils(int(req.Addr), int(req.Quantity))
	return res, storeError(err)
}

func (h *Handler) HandleDiscreteInputs(req *mbserver.DiscreteInputsRequest) ([]bool, error) {
	if err := h.checkUnit(req.UnitId); err != nil {
		return nil, err
	}
	start, end, err := window(numInputs, req.Addr, req.Quantity)
	if err != nil {
		return nil, err
	}
	s := h.model.Status()
	inputs := []bool{
		InputClosed: s.Closed(),
		InputOpen:   s.Open(),
		InputMoving: s.Moving != barrier.Idle,
	}
	return inputs[start:end], nil
}

func (h *Handler) HandleHoldingRegisters(req *mbserver.HoldingRegistersRequest) ([]uint16, error) {
	if err := h.checkUnit(req.UnitId); err != nil {
		return nil, err
	}
	if req.IsWrite {
		if err := h.store.WriteWords(int(req.Addr), req.Args...); err != nil {
			return nil, storeError(err)
		}
		h.log.WithFields(log.Fields{
			"client":  req.ClientAddr,
			"addr":    req.Addr,
			"values":  req.Args,
			"counter": h.store.Counter(),
		}).Info("counter written")
		return nil, nil
	}
	res, err := h.store.ReadWords(int(req.Addr), int(req.Quantity))
	return res, storeError(err)
}

func (h *Handler) HandleInputRegisters(req *mbserver.InputRegistersRequest) ([]uint16, error) {
	if err := h.checkUnit(req.UnitId); err != nil {
		return nil, err
	}
	start, end, err := window(numInputRegisters, req.Addr, req.Quantity)
	if err != nil {
		return nil, err
	}
	s := h.model.Status()
	elapsed := math.Min(math.Floor(s.Elapsed), math.MaxUint16)
	regs := []uint16{
		RegAngle:   uint16(math.Round(s.Angle * 10)),
		RegMotion:  uint16(int16(s.Moving)),
		RegElapsed: uint16(elapsed),
	}
	return regs[start:end], nil
}
