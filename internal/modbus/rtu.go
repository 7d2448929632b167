package modbus

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/goburrow/modbus"
	log "github.com/sirupsen/logrus"
	mbserver "github.com/simonvetter/modbus"
	rtuserver "github.com/tbrandon/mbserver"
	"github.com/w1xm/accessctl_sim/internal/modbus/modbushttp"
)

const (
	broadcastID = 0

	maxReadBits      = 2000
	maxReadRegisters = 125
	maxWriteBits     = 1968
	maxWriteRegister = 123

	FuncCodeReadDeviceIdentification = 0x2B
	meiReadDeviceID                  = 0x0E
	// Regular identification, stream and individual access.
	conformityLevel = 0x82
)

// Device identification objects by object id. Ids 0-2 are the basic
// category, the rest regular.
var DeviceIdentity = []string{
	"LPO Queneau",
	"LPOQ LNX Accessctl",
	"1.0",
	"https://bts-ciel-queneau.fr/",
	"Accessctl Modbus server",
	"Accessctl Modbus server",
}

var errBadFrame = errors.New("malformed RTU frame")

type functionHandler func(*rtuserver.Server, rtuserver.Framer) ([]byte, *rtuserver.Exception)

func exceptionCode(err error) byte {
	switch {
	case errors.Is(err, mbserver.ErrIllegalFunction):
		return modbus.ExceptionCodeIllegalFunction
	case errors.Is(err, mbserver.ErrIllegalDataAddress):
		return modbus.ExceptionCodeIllegalDataAddress
	case errors.Is(err, mbserver.ErrIllegalDataValue):
		return modbus.ExceptionCodeIllegalDataValue
	case errors.Is(err, mbserver.ErrGWTargetFailedToRespond):
		return modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond
	}
	return modbus.ExceptionCodeServerDeviceFailure
}

// exception converts a RequestHandler error into an mbserver exception.
func (h *Handler) exception(fc byte, err error) ([]byte, *rtuserver.Exception) {
	h.log.WithError(err).WithField("function", fc).Debug("exception response")
	e := rtuserver.Exception(exceptionCode(err))
	return nil, &e
}

// frameUnit returns the unit a request is for. Broadcasts are served as
// this unit.
func (h *Handler) frameUnit(frame rtuserver.Framer) uint8 {
	rf, ok := frame.(*rtuserver.RTUFrame)
	if !ok || rf.Address == broadcastID {
		return h.unitID
	}
	return rf.Address
}

// addressAndQuantity splits the first four data bytes of a request.
func addressAndQuantity(frame rtuserver.Framer) (uint16, uint16, bool) {
	data := frame.GetData()
	if len(data) < 4 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(data), binary.BigEndian.Uint16(data[2:]), true
}

// functions maps function codes onto the RequestHandler methods the TCP
// server also calls.
func (h *Handler) functions(clientAddr string) map[uint8]functionHandler {
	readBits := func(_ *rtuserver.Server, frame rtuserver.Framer) ([]byte, *rtuserver.Exception) {
		fc := frame.GetFunction()
		addr, qty, ok := addressAndQuantity(frame)
		if !ok || qty < 1 || qty > maxReadBits {
			return h.exception(fc, mbserver.ErrIllegalDataValue)
		}
		var bits []bool
		var err error
		if fc == modbus.FuncCodeReadCoils {
			bits, err = h.HandleCoils(&mbserver.CoilsRequest{
				ClientAddr: clientAddr, UnitId: h.frameUnit(frame), Addr: addr, Quantity: qty,
			})
		} else {
			bits, err = h.HandleDiscreteInputs(&mbserver.DiscreteInputsRequest{
				ClientAddr: clientAddr, UnitId: h.frameUnit(frame), Addr: addr, Quantity: qty,
			})
		}
		if err != nil {
			return h.exception(fc, err)
		}
		dataSize := (len(bits) + 7) / 8
		data := make([]byte, 1+dataSize)
		data[0] = byte(dataSize)
		for i, b := range bits {
			if b {
				data[1+i/8] |= 1 << uint(i%8)
			}
		}
		return data, &rtuserver.Success
	}

	readRegisters := func(_ *rtuserver.Server, frame rtuserver.Framer) ([]byte, *rtuserver.Exception) {
		fc := frame.GetFunction()
		addr, qty, ok := addressAndQuantity(frame)
		if !ok || qty < 1 || qty > maxReadRegisters {
			return h.exception(fc, mbserver.ErrIllegalDataValue)
		}
		var regs []uint16
		var err error
		if fc == modbus.FuncCodeReadHoldingRegisters {
			regs, err = h.HandleHoldingRegisters(&mbserver.HoldingRegistersRequest{
				ClientAddr: clientAddr, UnitId: h.frameUnit(frame), Addr: addr, Quantity: qty,
			})
		} else {
			regs, err = h.HandleInputRegisters(&mbserver.InputRegistersRequest{
				ClientAddr: clientAddr, UnitId: h.frameUnit(frame), Addr: addr, Quantity: qty,
			})
		}
		if err != nil {
			return h.exception(fc, err)
		}
		return append([]byte{byte(2 * len(regs))}, rtuserver.Uint16ToBytes(regs)...), &rtuserver.Success
	}

	writeSingleCoil := func(_ *rtuserver.Server, frame rtuserver.Framer) ([]byte, *rtuserver.Exception) {
		fc := frame.GetFunction()
		addr, value, ok := addressAndQuantity(frame)
		if !ok || (value != 0xFF00 && value != 0x0000) {
			return h.exception(fc, mbserver.ErrIllegalDataValue)
		}
		if _, err := h.HandleCoils(&mbserver.CoilsRequest{
			ClientAddr: clientAddr, UnitId: h.frameUnit(frame), Addr: addr, Quantity: 1,
			IsWrite: true, Args: []bool{value == 0xFF00},
		}); err != nil {
			return h.exception(fc, err)
		}
		return frame.GetData()[:4], &rtuserver.Success
	}

	writeSingleRegister := func(_ *rtuserver.Server, frame rtuserver.Framer) ([]byte, *rtuserver.Exception) {
		fc := frame.GetFunction()
		addr, value, ok := addressAndQuantity(frame)
		if !ok {
			return h.exception(fc, mbserver.ErrIllegalDataValue)
		}
		if _, err := h.HandleHoldingRegisters(&mbserver.HoldingRegistersRequest{
			ClientAddr: clientAddr, UnitId: h.frameUnit(frame), Addr: addr, Quantity: 1,
			IsWrite: true, Args: []uint16{value},
		}); err != nil {
			return h.exception(fc, err)
		}
		return frame.GetData()[:4], &rtuserver.Success
	}

	writeMultipleCoils := func(_ *rtuserver.Server, frame rtuserver.Framer) ([]byte, *rtuserver.Exception) {
		fc, data := frame.GetFunction(), frame.GetData()
		addr, qty, ok := addressAndQuantity(frame)
		if !ok || len(data) < 5 || qty < 1 || qty > maxWriteBits ||
			int(data[4]) != (int(qty)+7)/8 || len(data) != 5+int(data[4]) {
			return h.exception(fc, mbserver.ErrIllegalDataValue)
		}
		if _, err := h.HandleCoils(&mbserver.CoilsRequest{
			ClientAddr: clientAddr, UnitId: h.frameUnit(frame), Addr: addr, Quantity: qty,
			IsWrite: true, Args: BytesToBits(data[5:])[:qty],
		}); err != nil {
			return h.exception(fc, err)
		}
		return data[:4], &rtuserver.Success
	}

	writeMultipleRegisters := func(_ *rtuserver.Server, frame rtuserver.Framer) ([]byte, *rtuserver.Exception) {
		fc, data := frame.GetFunction(), frame.GetData()
		addr, qty, ok := addressAndQuantity(frame)
		if !ok || len(data) < 5 || qty < 1 || qty > maxWriteRegister ||
			int(data[4]) != 2*int(qty) || len(data) != 5+int(data[4]) {
			return h.exception(fc, mbserver.ErrIllegalDataValue)
		}
		if _, err := h.HandleHoldingRegisters(&mbserver.HoldingRegistersRequest{
			ClientAddr: clientAddr, UnitId: h.frameUnit(frame), Addr: addr, Quantity: qty,
			IsWrite: true, Args: rtuserver.BytesToUint16(data[5:]),
		}); err != nil {
			return h.exception(fc, err)
		}
		return data[:4], &rtuserver.Success
	}

	return map[uint8]functionHandler{
		modbus.FuncCodeReadCoils:              readBits,
		modbus.FuncCodeReadDiscreteInputs:     readBits,
		modbus.FuncCodeReadHoldingRegisters:   readRegisters,
		modbus.FuncCodeReadInputRegisters:     readRegisters,
		modbus.FuncCodeWriteSingleCoil:        writeSingleCoil,
		modbus.FuncCodeWriteSingleRegister:    writeSingleRegister,
		modbus.FuncCodeWriteMultipleCoils:     writeMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters: writeMultipleRegisters,
		FuncCodeReadDeviceIdentification:      h.readDeviceIdentification,
	}
}

// readDeviceIdentification answers MEI type 0x0E requests.
func (h *Handler) readDeviceIdentification(_ *rtuserver.Server, frame rtuserver.Framer) ([]byte, *rtuserver.Exception) {
	fc, data := frame.GetFunction(), frame.GetData()
	if err := h.checkUnit(h.frameUnit(frame)); err != nil {
		return h.exception(fc, err)
	}
	if len(data) != 3 || data[0] != meiReadDeviceID {
		return h.exception(fc, mbserver.ErrIllegalDataValue)
	}
	code, id := data[1], int(data[2])
	first, last := id, len(DeviceIdentity)-1
	switch code {
	case 1:
		last = 2
	case 2, 3:
	case 4:
		if id >= len(DeviceIdentity) {
			return h.exception(fc, mbserver.ErrIllegalDataAddress)
		}
		last = id
	default:
		return h.exception(fc, mbserver.ErrIllegalDataValue)
	}
	// Stream access restarts at the first object for an unknown id.
	if first > last {
		first = 0
	}
	res := []byte{meiReadDeviceID, code, conformityLevel, 0, 0, byte(last - first + 1)}
	for i := first; i <= last; i++ {
		res = append(res, byte(i), byte(len(DeviceIdentity[i])))
		res = append(res, DeviceIdentity[i]...)
	}
	return res, &rtuserver.Success
}

// register installs the function handlers on an RTU server. Function
// codes without a handler are answered with an illegal function exception.
func (h *Handler) register(srv *rtuserver.Server, clientAddr string) {
	for fc, fn := range h.functions(clientAddr) {
		srv.RegisterFunctionHandler(fc, fn)
	}
}

// dispatch serves one frame the way the RTU server does, for frames that
// arrive over HTTP.
func (h *Handler) dispatch(frame rtuserver.Framer, clientAddr string) rtuserver.Framer {
	response := frame.Copy()
	fn, ok := h.functions(clientAddr)[frame.GetFunction()]
	if !ok {
		response.SetException(&rtuserver.IllegalFunction)
		return response
	}
	data, exception := fn(nil, frame)
	response.SetData(data)
	if exception != &rtuserver.Success {
		response.SetException(exception)
	}
	return response
}

// ServeADU handles one RTU frame. It returns a nil response for frames that
// must not be answered: other units and broadcasts.
func (h *Handler) ServeADU(clientAddr string, adu []byte) ([]byte, error) {
	frame, err := rtuserver.NewRTUFrame(adu)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	switch frame.Address {
	case h.unitID:
		return h.dispatch(frame, clientAddr).Bytes(), nil
	case broadcastID:
		h.dispatch(frame, clientAddr)
	}
	return nil, nil
}

// SendHandler serves RTU frames tunnelled over HTTP, as sent by
// modbushttp.Client.
func (h *Handler) SendHandler(w http.ResponseWriter, r *http.Request) {
	err := func() error {
		aduRequest, err := ioutil.ReadAll(r.Body)
		if err != nil {
			return err
		}
		aduResponse, err := h.ServeADU(r.RemoteAddr, aduRequest)
		if err == nil && aduResponse == nil {
			err = errors.New("no response from unit")
		}
		var errString string
		if err != nil {
			errString = err.Error()
		}
		body, err := json.Marshal(&modbushttp.SendResponse{
			ADUResponse: aduResponse,
			Error:       errString,
		})
		if err != nil {
			return err
		}
		_, err = w.Write(body)
		return err
	}()
	if err != nil {
		log.Printf("SendHandler: %v", err)
		http.Error(w, err.Error(), 500)
	}
}
