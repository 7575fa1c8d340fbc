package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeIFrameRoundTrip(t *testing.T) {
	f := NewI(Slave, 3, 5, []byte("HELLO"))
	raw, err := Encode(f)
	assert.NoError(t, err)
	assert.Equal(t, byte(Delimiter), raw[0])
	assert.Equal(t, byte(Delimiter), raw[len(raw)-1])

	body, err := Unstuff(raw[1 : len(raw)-1])
	assert.NoError(t, err)

	got, err := Unmarshal(body)
	assert.NoError(t, err)
	assert.Equal(t, KindI, got.Kind)
	assert.Equal(t, uint8(3), got.TxSeq)
	assert.Equal(t, uint8(5), got.RxSeq)
	assert.Equal(t, "HELLO", string(got.Data))
	assert.Equal(t, Slave, got.Address)
}

func TestByteStuffingEscapesDelimiterAndEscape(t *testing.T) {
	body := []byte{0x7D, 0x01, 0x7C, 0x02}
	stuffed := Stuff(body)
	assert.Equal(t, []byte{0x7C, 0x01, 0x01, 0x7C, 0x00, 0x02}, stuffed)

	back, err := Unstuff(stuffed)
	assert.NoError(t, err)
	assert.Equal(t, body, back)
}

func TestClassifyIFrame(t *testing.T) {
	k, err := classify(packControlI(1, 2))
	assert.NoError(t, err)
	assert.Equal(t, KindI, k)
}

func TestClassifySFrame(t *testing.T) {
	k, err := classify(packControlS(SNack, 4))
	assert.NoError(t, err)
	assert.Equal(t, KindS, k)
}

func TestClassifyUFrame(t *testing.T) {
	k, err := classify(packControlU(UConnect))
	assert.NoError(t, err)
	assert.Equal(t, KindU, k)
}

func TestUFrameTypeSurvivesFiveBitRoundTrip(t *testing.T) {
	for _, want := range []UType{UConnect, UConnectAck, UConnectNack, UDisconnect, UDisconnectAck, UGenericError, USeqReset} {
		control := packControlU(want)
		got := unpackControlU(control)
		assert.Equal(t, want, got, "UType %v", want)
	}
}

func TestMarshalUnmarshalSFrame(t *testing.T) {
	f := NewS(Master, SAck, 6)
	body, err := Marshal(f)
	assert.NoError(t, err)

	got, err := Unmarshal(body)
	assert.NoError(t, err)
	assert.Equal(t, KindS, got.Kind)
	assert.Equal(t, SAck, got.SType)
	assert.Equal(t, uint8(6), got.RxSeq)
}

func TestUnmarshalRejectsShortBody(t *testing.T) {
	_, err := Unmarshal([]byte{0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

func TestUnmarshalRejects8BitAddressForm(t *testing.T) {
	body := []byte{0x01, 0x00, 0x00, 0x00}
	_, err := Unmarshal(body)
	assert.ErrorIs(t, err, Err8BitAddressUnsupported)
}

func TestMarshalRejectsOversizedIData(t *testing.T) {
	f := NewI(Slave, 0, 0, make([]byte, MaxIData+1))
	_, err := Marshal(f)
	assert.Error(t, err)
}

func TestAddressPackUnpackRoundTrip(t *testing.T) {
	got, err := unpackAddress(packAddress(Slave))
	assert.NoError(t, err)
	assert.Equal(t, Slave, got)
}
