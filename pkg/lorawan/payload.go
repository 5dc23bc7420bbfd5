package lorawan

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"
)

// MarshalBinary marshals PHYPayload to binary
func (p PHYPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, 1+len(p.MACPayload)+4)
	data = append(data, p.MHDR.encode())
	data = append(data, p.MACPayload...)
	data = append(data, p.MIC[:]...)
	return data, nil
}

// UnmarshalBinary unmarshals PHYPayload from binary
func (p *PHYPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("PHYPayload too short: %d bytes", len(data))
	}

	p.MHDR.MType = MType((data[0] >> 5) & 0x07)
	p.MHDR.Major = Major(data[0] & 0x03)
	p.MACPayload = append([]byte{}, data[1:len(data)-4]...)
	copy(p.MIC[:], data[len(data)-4:])

	return nil
}

func (p *PHYPayload) micBody() []byte {
	b := make([]byte, 0, 1+len(p.MACPayload))
	b = append(b, p.MHDR.encode())
	return append(b, p.MACPayload...)
}

// SetUplinkDataMIC sets the uplink MIC. fCnt is the full 32-bit FCntUp.
// For 1.0.x both keys are the NwkSKey and the MIC is the first four bytes of
// the B0 cmac. For 1.1 it is cmacS[0:2] | cmacF[0:2], where confFCnt is the
// FCntDown of the confirmed downlink being acknowledged (0 otherwise).
func (p *PHYPayload) SetUplinkDataMIC(version MACVersion, fCnt, confFCnt uint32, txDR, txCH uint8, fNwkSIntKey, sNwkSIntKey AES128Key) error {
	mic, err := p.uplinkDataMIC(version, fCnt, confFCnt, txDR, txCH, fNwkSIntKey, sNwkSIntKey)
	if err != nil {
		return err
	}
	p.MIC = mic
	return nil
}

// ValidateUplinkDataMIC validates uplink MIC
func (p *PHYPayload) ValidateUplinkDataMIC(version MACVersion, fCnt, confFCnt uint32, txDR, txCH uint8, fNwkSIntKey, sNwkSIntKey AES128Key) (bool, error) {
	mic, err := p.uplinkDataMIC(version, fCnt, confFCnt, txDR, txCH, fNwkSIntKey, sNwkSIntKey)
	if err != nil {
		return false, err
	}
	return mic == p.MIC, nil
}

func (p *PHYPayload) uplinkDataMIC(version MACVersion, fCnt, confFCnt uint32, txDR, txCH uint8, fNwkSIntKey, sNwkSIntKey AES128Key) ([4]byte, error) {
	var mic [4]byte

	devAddr, err := p.devAddr()
	if err != nil {
		return mic, err
	}
	body := p.micBody()

	b0 := make([]byte, 16)
	b0[0] = 0x49
	b0[5] = 0x00 // Dir = 0 for uplink
	copy(b0[6:10], reversed(devAddr[:]))
	binary.LittleEndian.PutUint32(b0[10:14], fCnt)
	b0[15] = byte(len(body))

	cmacF, err := cmacSum(fNwkSIntKey, b0, body)
	if err != nil {
		return mic, fmt.Errorf("calculate MIC: %w", err)
	}
	if !version.Is11() {
		copy(mic[:], cmacF[0:4])
		return mic, nil
	}

	b1 := make([]byte, 16)
	copy(b1, b0)
	binary.LittleEndian.PutUint16(b1[1:3], uint16(confFCnt))
	b1[3] = txDR
	b1[4] = txCH

	cmacS, err := cmacSum(sNwkSIntKey, b1, body)
	if err != nil {
		return mic, fmt.Errorf("calculate MIC: %w", err)
	}
	copy(mic[0:2], cmacS[0:2])
	copy(mic[2:4], cmacF[0:2])
	return mic, nil
}

// SetDownlinkDataMIC sets downlink MIC. For 1.1 confFCnt is the FCntUp of
// the confirmed uplink being acknowledged (0 otherwise).
func (p *PHYPayload) SetDownlinkDataMIC(version MACVersion, fCnt, confFCnt uint32, sNwkSIntKey AES128Key) error {
	mic, err := p.downlinkDataMIC(version, fCnt, confFCnt, sNwkSIntKey)
	if err != nil {
		return err
	}
	p.MIC = mic
	return nil
}

// ValidateDownlinkDataMIC validates downlink MIC
func (p *PHYPayload) ValidateDownlinkDataMIC(version MACVersion, fCnt, confFCnt uint32, sNwkSIntKey AES128Key) (bool, error) {
	mic, err := p.downlinkDataMIC(version, fCnt, confFCnt, sNwkSIntKey)
	if err != nil {
		return false, err
	}
	return mic == p.MIC, nil
}

func (p *PHYPayload) downlinkDataMIC(version MACVersion, fCnt, confFCnt uint32, sNwkSIntKey AES128Key) ([4]byte, error) {
	var mic [4]byte

	devAddr, err := p.devAddr()
	if err != nil {
		return mic, err
	}
	body := p.micBody()

	b0 := make([]byte, 16)
	b0[0] = 0x49
	if version.Is11() {
		binary.LittleEndian.PutUint16(b0[1:3], uint16(confFCnt))
	}
	b0[5] = 0x01 // Dir = 1 for downlink
	copy(b0[6:10], reversed(devAddr[:]))
	binary.LittleEndian.PutUint32(b0[10:14], fCnt)
	b0[15] = byte(len(body))

	sum, err := cmacSum(sNwkSIntKey, b0, body)
	if err != nil {
		return mic, fmt.Errorf("calculate MIC: %w", err)
	}
	copy(mic[:], sum[0:4])
	return mic, nil
}

func (p *PHYPayload) devAddr() (DevAddr, error) {
	var addr DevAddr
	if len(p.MACPayload) < 4 {
		return addr, fmt.Errorf("MACPayload too short: %d bytes", len(p.MACPayload))
	}
	copy(addr[:], reversed(p.MACPayload[0:4]))
	return addr, nil
}

// GetFullFCnt gets full frame counter from 16-bit value
func GetFullFCnt(last uint32, fCnt uint16) uint32 {
	upperBits := last & 0xFFFF0000

	if uint16(last) > fCnt && (uint16(last)-fCnt) > 0x8000 {
		upperBits += 0x10000
	}

	return upperBits | uint32(fCnt)
}

// EncryptFRMPayload encrypts/decrypts FRM payload
func EncryptFRMPayload(key AES128Key, devAddr DevAddr, fCnt uint32, uplink bool, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}

	k := (len(payload) + 15) / 16

	ai := make([]byte, 16)
	ai[0] = 0x01
	if !uplink {
		ai[5] = 0x01
	}
	copy(ai[6:10], reversed(devAddr[:]))
	binary.LittleEndian.PutUint32(ai[10:14], fCnt)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	s := make([]byte, 16*k)
	for i := 0; i < k; i++ {
		ai[15] = byte(i + 1)
		block.Encrypt(s[i*16:(i+1)*16], ai)
	}

	encrypted := make([]byte, len(payload))
	for i := range payload {
		encrypted[i] = payload[i] ^ s[i]
	}

	return encrypted, nil
}

// Marshal marshals MACPayload
func (m *MACPayload) Marshal(uplink bool) ([]byte, error) {
	if len(m.FHDR.FOpts) > 15 {
		return nil, fmt.Errorf("FOpts too long: %d bytes", len(m.FHDR.FOpts))
	}
	if len(m.FRMPayload) > 0 && m.FPort == nil {
		return nil, fmt.Errorf("FRMPayload without FPort")
	}

	data := make([]byte, 0, 7+len(m.FHDR.FOpts)+1+len(m.FRMPayload))
	data = append(data, reversed(m.FHDR.DevAddr[:])...)
	data = append(data, m.FHDR.FCtrl.encode(uplink)|byte(len(m.FHDR.FOpts)))
	data = append(data, byte(m.FHDR.FCnt), byte(m.FHDR.FCnt>>8))
	data = append(data, m.FHDR.FOpts...)

	if m.FPort != nil {
		data = append(data, *m.FPort)
		data = append(data, m.FRMPayload...)
	}

	return data, nil
}

// Unmarshal unmarshals MACPayload
func (m *MACPayload) Unmarshal(data []byte, uplink bool) error {
	if len(data) < 7 {
		return fmt.Errorf("MACPayload too short: %d bytes", len(data))
	}

	copy(m.FHDR.DevAddr[:], reversed(data[0:4]))
	m.FHDR.FCtrl.decode(data[4], uplink)
	foptsLen := int(data[4] & 0x0F)
	m.FHDR.FCnt = binary.LittleEndian.Uint16(data[5:7])
	pos := 7

	m.FHDR.FOpts = nil
	if foptsLen > 0 {
		if pos+foptsLen > len(data) {
			return fmt.Errorf("invalid FOpts length")
		}
		m.FHDR.FOpts = data[pos : pos+foptsLen]
		pos += foptsLen
	}

	m.FPort = nil
	m.FRMPayload = nil
	if pos < len(data) {
		fport := data[pos]
		m.FPort = &fport
		pos++

		if pos < len(data) {
			m.FRMPayload = data[pos:]
		}
	}

	return nil
}

func (c FCtrl) encode(uplink bool) byte {
	var b byte
	if c.ADR {
		b |= 0x80
	}
	if c.ACK {
		b |= 0x20
	}
	if uplink {
		if c.ADRACKReq {
			b |= 0x40
		}
		if c.ClassB {
			b |= 0x10
		}
	} else if c.FPending {
		b |= 0x10
	}
	return b
}

func (c *FCtrl) decode(b byte, uplink bool) {
	*c = FCtrl{
		ADR: b&0x80 != 0,
		ACK: b&0x20 != 0,
	}
	if uplink {
		c.ADRACKReq = b&0x40 != 0
		c.ClassB = b&0x10 != 0
	} else {
		c.FPending = b&0x10 != 0
	}
}
