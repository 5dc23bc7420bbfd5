package lorawan

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"
)

// joinReqType is the JoinReqType value of a plain join-request, used in the
// LoRaWAN 1.1 join-accept MIC.
const joinReqType = 0xFF

// MarshalBinary encodes the 18 byte join-request body.
func (j JoinRequestPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 18)
	copy(data[0:8], j.JoinEUI.wire())
	copy(data[8:16], j.DevEUI.wire())
	binary.LittleEndian.PutUint16(data[16:18], j.DevNonce)
	return data, nil
}

// UnmarshalBinary decodes the 18 byte join-request body.
func (j *JoinRequestPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 18 {
		return fmt.Errorf("invalid JoinRequest length: expected 18, got %d", len(data))
	}

	copy(j.JoinEUI[:], reversed(data[0:8]))
	copy(j.DevEUI[:], reversed(data[8:16]))
	j.DevNonce = binary.LittleEndian.Uint16(data[16:18])

	return nil
}

// NewJoinRequest builds a join-request frame signed with the root key. For
// every MAC version this is the NwkKey (the AppKey of 1.0.x).
func NewJoinRequest(jr JoinRequestPayload, nwkKey AES128Key) (*PHYPayload, error) {
	body, err := jr.MarshalBinary()
	if err != nil {
		return nil, err
	}

	p := &PHYPayload{
		MHDR:       MHDR{MType: JoinRequest, Major: LoRaWANR1},
		MACPayload: body,
	}
	mic, err := CalculateMIC(nwkKey, p.micBody())
	if err != nil {
		return nil, fmt.Errorf("calculate JOIN REQUEST MIC: %w", err)
	}
	p.MIC = mic
	return p, nil
}

// ValidateUplinkJoinMIC validates JOIN REQUEST MIC
func (p *PHYPayload) ValidateUplinkJoinMIC(nwkKey AES128Key) (bool, error) {
	expected, err := CalculateMIC(nwkKey, p.micBody())
	if err != nil {
		return false, fmt.Errorf("calculate JOIN REQUEST MIC: %w", err)
	}
	return expected == p.MIC, nil
}

// MarshalBinary encodes the join-accept body without MIC.
func (j JoinAcceptPayload) MarshalBinary() ([]byte, error) {
	if len(j.CFList) != 0 && len(j.CFList) != 16 {
		return nil, fmt.Errorf("invalid CFList length: %d", len(j.CFList))
	}

	data := make([]byte, 12, 12+len(j.CFList))
	putUint24(data[0:3], j.JoinNonce)
	copy(data[3:6], reversed(j.NetID[:]))
	copy(data[6:10], reversed(j.DevAddr[:]))
	data[10] = (j.DLSettings.RX1DROffset&0x07)<<4 | j.DLSettings.RX2DataRate&0x0F
	if j.DLSettings.OptNeg {
		data[10] |= 0x80
	}
	data[11] = j.RxDelay
	data = append(data, j.CFList...)

	return data, nil
}

// UnmarshalBinary decodes the join-accept body without MIC.
func (j *JoinAcceptPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 12 && len(data) != 28 {
		return fmt.Errorf("invalid JoinAccept length: expected 12 or 28, got %d", len(data))
	}

	j.JoinNonce = uint24(data[0:3])
	copy(j.NetID[:], reversed(data[3:6]))
	copy(j.DevAddr[:], reversed(data[6:10]))
	j.DLSettings.OptNeg = data[10]&0x80 != 0
	j.DLSettings.RX1DROffset = (data[10] >> 4) & 0x07
	j.DLSettings.RX2DataRate = data[10] & 0x0F
	j.RxDelay = data[11]

	j.CFList = nil
	if len(data) > 12 {
		j.CFList = make([]byte, len(data)-12)
		copy(j.CFList, data[12:])
	}

	return nil
}

// SetJoinAcceptMIC sets the LoRaWAN 1.0.x join-accept MIC:
// aes128_cmac(NwkKey, MHDR | JoinAccept).
func (p *PHYPayload) SetJoinAcceptMIC(nwkKey AES128Key) error {
	mic, err := CalculateMIC(nwkKey, p.micBody())
	if err != nil {
		return fmt.Errorf("calculate JOIN ACCEPT MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// SetJoinAcceptMIC11 sets the LoRaWAN 1.1 join-accept MIC:
// aes128_cmac(JSIntKey, JoinReqType | JoinEUI | DevNonce | MHDR | JoinAccept).
func (p *PHYPayload) SetJoinAcceptMIC11(jsIntKey AES128Key, joinEUI EUI64, devNonce uint16) error {
	mic, err := p.joinAcceptMIC11(jsIntKey, joinEUI, devNonce)
	if err != nil {
		return err
	}
	p.MIC = mic
	return nil
}

func (p *PHYPayload) joinAcceptMIC11(jsIntKey AES128Key, joinEUI EUI64, devNonce uint16) ([4]byte, error) {
	prefix := make([]byte, 11)
	prefix[0] = joinReqType
	copy(prefix[1:9], joinEUI.wire())
	binary.LittleEndian.PutUint16(prefix[9:11], devNonce)

	var mic [4]byte
	sum, err := cmacSum(jsIntKey, prefix, p.micBody())
	if err != nil {
		return mic, fmt.Errorf("calculate JOIN ACCEPT MIC: %w", err)
	}
	copy(mic[:], sum[0:4])
	return mic, nil
}

// ValidateJoinAcceptMIC checks a decrypted join-accept against the scheme
// of the given MAC version. A 1.1 device only accepts the 1.1 scheme, so a
// network server registered with another version fails here every time.
func (p *PHYPayload) ValidateJoinAcceptMIC(version MACVersion, nwkKey AES128Key, joinEUI, devEUI EUI64, devNonce uint16) (bool, error) {
	if !version.Is11() {
		expected, err := CalculateMIC(nwkKey, p.micBody())
		if err != nil {
			return false, fmt.Errorf("calculate JOIN ACCEPT MIC: %w", err)
		}
		return expected == p.MIC, nil
	}

	jsIntKey, err := DeriveJSIntKey(nwkKey, devEUI)
	if err != nil {
		return false, fmt.Errorf("derive JSIntKey: %w", err)
	}
	expected, err := p.joinAcceptMIC11(jsIntKey, joinEUI, devNonce)
	if err != nil {
		return false, err
	}
	return expected == p.MIC, nil
}

// EncryptJoinAcceptPayload encrypts JoinAccept | MIC with AES-ECB. The
// network side uses the AES decrypt operation so the device only needs the
// encrypt primitive.
func (p *PHYPayload) EncryptJoinAcceptPayload(key AES128Key) error {
	ciphertext, err := joinAcceptECB(key, append(append([]byte{}, p.MACPayload...), p.MIC[:]...), false)
	if err != nil {
		return fmt.Errorf("encrypt JOIN ACCEPT: %w", err)
	}
	p.MACPayload = ciphertext[:len(ciphertext)-4]
	copy(p.MIC[:], ciphertext[len(ciphertext)-4:])
	return nil
}

// DecryptJoinAcceptPayload reverses EncryptJoinAcceptPayload in place.
func (p *PHYPayload) DecryptJoinAcceptPayload(key AES128Key) error {
	plaintext, err := joinAcceptECB(key, append(append([]byte{}, p.MACPayload...), p.MIC[:]...), true)
	if err != nil {
		return fmt.Errorf("decrypt JOIN ACCEPT: %w", err)
	}
	p.MACPayload = plaintext[:len(plaintext)-4]
	copy(p.MIC[:], plaintext[len(plaintext)-4:])
	return nil
}

func joinAcceptECB(key AES128Key, data []byte, decrypt bool) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid data length for AES ECB: %d", len(data))
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		if decrypt {
			block.Encrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
		} else {
			block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
		}
	}
	return out, nil
}
