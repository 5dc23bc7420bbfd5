package lorawan

import (
	"encoding/binary"
)

// SessionKeys holds the keys derived from one OTAA join. For LoRaWAN 1.0.x
// FNwkSIntKey, SNwkSIntKey and NwkSEncKey all carry the NwkSKey.
type SessionKeys struct {
	FNwkSIntKey AES128Key `json:"fNwkSIntKey"`
	SNwkSIntKey AES128Key `json:"sNwkSIntKey"`
	NwkSEncKey  AES128Key `json:"nwkSEncKey"`
	AppSKey     AES128Key `json:"appSKey"`
}

// DeriveSessionKeys10 derives session keys according to LoRaWAN 1.0.x:
//
//	NwkSKey = aes128_encrypt(NwkKey, 0x01 | JoinNonce | NetID | DevNonce | pad16)
//	AppSKey = aes128_encrypt(NwkKey, 0x02 | JoinNonce | NetID | DevNonce | pad16)
func DeriveSessionKeys10(nwkKey AES128Key, joinNonce uint32, netID [3]byte, devNonce uint16) (SessionKeys, error) {
	var keys SessionKeys

	msg := make([]byte, 16)
	putUint24(msg[1:4], joinNonce)
	copy(msg[4:7], reversed(netID[:]))
	binary.LittleEndian.PutUint16(msg[7:9], devNonce)

	msg[0] = 0x01
	nwkSKey, err := aesEncryptBlock(nwkKey, msg)
	if err != nil {
		return keys, err
	}

	msg[0] = 0x02
	appSKey, err := aesEncryptBlock(nwkKey, msg)
	if err != nil {
		return keys, err
	}

	keys.FNwkSIntKey = nwkSKey
	keys.SNwkSIntKey = nwkSKey
	keys.NwkSEncKey = nwkSKey
	keys.AppSKey = appSKey
	return keys, nil
}

// DeriveSessionKeys11 derives session keys according to LoRaWAN 1.1. The
// message for every key is prefix | JoinNonce | JoinEUI | DevNonce | pad16.
func DeriveSessionKeys11(nwkKey, appKey AES128Key, joinNonce uint32, joinEUI EUI64, devNonce uint16) (SessionKeys, error) {
	var keys SessionKeys

	msg := make([]byte, 16)
	putUint24(msg[1:4], joinNonce)
	copy(msg[4:12], joinEUI.wire())
	binary.LittleEndian.PutUint16(msg[12:14], devNonce)

	derive := func(key AES128Key, prefix byte) (AES128Key, error) {
		msg[0] = prefix
		return aesEncryptBlock(key, msg)
	}

	var err error
	if keys.AppSKey, err = derive(appKey, 0x02); err != nil {
		return keys, err
	}
	if keys.FNwkSIntKey, err = derive(nwkKey, 0x01); err != nil {
		return keys, err
	}
	if keys.SNwkSIntKey, err = derive(nwkKey, 0x03); err != nil {
		return keys, err
	}
	if keys.NwkSEncKey, err = derive(nwkKey, 0x04); err != nil {
		return keys, err
	}
	return keys, nil
}

// DeriveJSIntKey derives the LoRaWAN 1.1 join server integrity key used for
// the join-accept MIC.
func DeriveJSIntKey(nwkKey AES128Key, devEUI EUI64) (AES128Key, error) {
	msg := make([]byte, 16)
	msg[0] = 0x06
	copy(msg[1:9], devEUI.wire())
	return aesEncryptBlock(nwkKey, msg)
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}
