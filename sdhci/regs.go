package sdhci

// Register offsets, standard SDHC controller layout.  All registers live in
// the bank passed to NewHost; vendor specific registers beyond 0x100 belong
// to the Variant implementations.
const (
	regSDMAAddr    = 0x00
	regBlockSize   = 0x04
	regBlockCount  = 0x06
	regArgument    = 0x08
	regXferMode    = 0x0c
	regCommand     = 0x0e
	regResponse0   = 0x10
	regResponse1   = 0x14
	regResponse2   = 0x18
	regResponse3   = 0x1c
	regBufData     = 0x20
	regPresent     = 0x24
	regHostCtrl1   = 0x28
	regPowerCtrl   = 0x29
	regBlockGap    = 0x2a
	regWakeup      = 0x2b
	regClockCtrl   = 0x2c
	regTimeoutCtrl = 0x2e
	regSoftReset   = 0x2f
	regIntStatus   = 0x30
	regErrStatus   = 0x32
	regIntStatusEn = 0x34
	regErrStatusEn = 0x36
	regIntSignalEn = 0x38
	regErrSignalEn = 0x3a
	regAutoCmdErr  = 0x3c
	regHostCtrl2   = 0x3e
	regCaps1       = 0x40
	regCaps2       = 0x44
	regMaxCurrent  = 0x48
	regHostVersion = 0xfe
)

// Present state register
type pstate uint32

const (
	stateCmdInhibit    pstate = 1 << 0
	stateDatInhibit    pstate = 1 << 1
	stateDatActive     pstate = 1 << 2
	stateWriteActive   pstate = 1 << 8
	stateReadActive    pstate = 1 << 9
	stateBufWriteReady pstate = 1 << 10
	stateBufReadReady  pstate = 1 << 11
	stateCardInserted  pstate = 1 << 16
	stateCardStable    pstate = 1 << 17
	stateWriteEnabled  pstate = 1 << 19 // write protect switch, 1 = writable
)

// Transfer mode register
type xferMode uint16

const (
	xferDMA        xferMode = 1 << 0
	xferBlockCount xferMode = 1 << 1
	xferAutoCmd12  xferMode = 1 << 2
	xferAutoCmd23  xferMode = 1 << 3
	xferRead       xferMode = 1 << 4
	xferMulti      xferMode = 1 << 5
)

// Command register response format and check bits, low byte.  The opcode
// goes in bits 13:8.
type cmdFlags uint16

const (
	cmdRespNone      cmdFlags = 0x00
	cmdRespLong      cmdFlags = 0x01
	cmdRespShort     cmdFlags = 0x02
	cmdRespShortBusy cmdFlags = 0x03
	cmdCRCCheck      cmdFlags = 0x08
	cmdIndexCheck    cmdFlags = 0x10
	cmdDataPresent   cmdFlags = 0x20
)

// Clock control register.  The 10 bit divider is split across bits 15:8
// (low) and 7:6 (high).
type clkCtrl uint16

const (
	clkIntEn     clkCtrl = 1 << 0
	clkIntStable clkCtrl = 1 << 1
	clkCardEn    clkCtrl = 1 << 2
	clkProgMode  clkCtrl = 1 << 5
)

// Software reset register
const (
	resetAll  uint8 = 1 << 0
	resetCmd  uint8 = 1 << 1
	resetData uint8 = 1 << 2
)

// Power control register
const (
	pwrOn uint8 = 0x01
	pwr18 uint8 = 0x0a
	pwr30 uint8 = 0x0c
	pwr33 uint8 = 0x0e
)

// Host control 1 register
const (
	hc1LED       uint8 = 1 << 0
	hc14Bit      uint8 = 1 << 1
	hc1HighSpeed uint8 = 1 << 2
	hc1DMAMask   uint8 = 3 << 3
	hc18Bit      uint8 = 1 << 5
)

// Host control 2 register
type hostCtrl2 uint16

const (
	hc2UHSMask      hostCtrl2 = 0x0007
	hc2SDR12        hostCtrl2 = 0x0000
	hc2SDR25        hostCtrl2 = 0x0001
	hc2SDR50        hostCtrl2 = 0x0002
	hc2SDR104       hostCtrl2 = 0x0003 // doubles as HS200 on eMMC hosts
	hc2DDR50        hostCtrl2 = 0x0004
	hc2Signaling18  hostCtrl2 = 1 << 3
	hc2ExecTuning   hostCtrl2 = 1 << 6
	hc2SampleClkSel hostCtrl2 = 1 << 7
	hc2PresetEn     hostCtrl2 = 1 << 15
)

// Normal interrupt status register
type intStat uint16

const (
	intResponse   intStat = 1 << 0 // command complete
	intDataEnd    intStat = 1 << 1 // transfer complete
	intBlockGap   intStat = 1 << 2
	intDMAEnd     intStat = 1 << 3 // SDMA boundary pause
	intSpaceAvail intStat = 1 << 4
	intDataAvail  intStat = 1 << 5
	intCardInsert intStat = 1 << 6
	intCardRemove intStat = 1 << 7
	intCardInt    intStat = 1 << 8
	intRetune     intStat = 1 << 12
	intError      intStat = 1 << 15
)

// Error interrupt status register
type errStat uint16

const (
	eintCmdTimeout   errStat = 1 << 0
	eintCmdCRC       errStat = 1 << 1
	eintCmdEndBit    errStat = 1 << 2
	eintCmdIndex     errStat = 1 << 3
	eintDataTimeout  errStat = 1 << 4
	eintDataCRC      errStat = 1 << 5
	eintDataEndBit   errStat = 1 << 6
	eintCurrentLimit errStat = 1 << 7
	eintAutoCmd      errStat = 1 << 8
	eintADMA         errStat = 1 << 9
	eintTuning       errStat = 1 << 10
	eintResponse     errStat = 1 << 11
)

// Capabilities register 1
const (
	capTimeoutClkMask uint32 = 0x3f
	capTimeoutClkMHz  uint32 = 1 << 7
	capBaseClkMaskV2  uint32 = 0x3f << 8
	capBaseClkMaskV3  uint32 = 0xff << 8
	capMaxBlk512      uint32 = 0 << 16
	capCan8Bit        uint32 = 1 << 18
	capCanSDMA        uint32 = 1 << 22
	capCanHighSpeed   uint32 = 1 << 21
	capVolt33         uint32 = 1 << 24
	capVolt30         uint32 = 1 << 25
	capVolt18         uint32 = 1 << 26
)

// Capabilities register 2
const (
	capSDR50       uint32 = 1 << 0
	capSDR104      uint32 = 1 << 1
	capDDR50       uint32 = 1 << 2
	capClkMulMask  uint32 = 0xff << 16
	capClkMulShift        = 16
)

// Host controller version register, spec version field
const (
	specV100 = 0
	specV200 = 1
	specV300 = 2
	specV400 = 3
)

// Data timeout counter exponent, maximum value
const dataTimeoutMax uint8 = 0x0e

// SDMA buffer boundary field in the block size register: 512 KiB, encoded
// as 7 in bits 14:12.
const (
	sdmaBoundaryArg  uint16 = 7
	sdmaBoundarySize uint64 = 512 << 10
)

// Maximum divider values per spec version
const (
	maxDivV2 = 256
	maxDivV3 = 2046
)

// Command opcodes (eMMC and SD)
const (
	cmdGoIdle           uint8 = 0
	cmdSendOpCond       uint8 = 1 // eMMC
	cmdAllSendCID       uint8 = 2
	cmdSetRelativeAddr  uint8 = 3 // SD: SEND_RELATIVE_ADDR
	cmdSwitch           uint8 = 6
	cmdSelectCard       uint8 = 7
	cmdSendIfCond       uint8 = 8 // eMMC: SEND_EXT_CSD
	cmdSendCSD          uint8 = 9
	cmdSendCID          uint8 = 10
	cmdStopTransmission uint8 = 12
	cmdSendStatus       uint8 = 13
	cmdSetBlocklen      uint8 = 16
	cmdReadSingle       uint8 = 17
	cmdReadMultiple     uint8 = 18
	cmdSendTuning       uint8 = 19
	cmdSendTuningHS200  uint8 = 21
	cmdWriteSingle      uint8 = 24
	cmdWriteMultiple    uint8 = 25
	cmdAppCmd           uint8 = 55

	acmdSetBusWidth uint8 = 6
	acmdOpCond      uint8 = 41
)

// OCR register bits
const (
	ocrBusy        uint32 = 1 << 31
	ocrHCS         uint32 = 1 << 30 // sector access mode / CCS
	ocrAccessMode  uint32 = 3 << 29
	ocrVoltageMask uint32 = 0x007fff80
	ocrVolt18      uint32 = 1 << 7
	ocrVolt30      uint32 = 3 << 17
	ocrVolt33      uint32 = 3 << 20
)

// CMD8 check pattern: 2.7-3.6V in bits 11:8, pattern 0xaa
const ifCondArg uint32 = 0x1aa

// Card status bits and current state field, R1 responses
const (
	statusAppCmd       uint32 = 1 << 5
	statusSwitchError  uint32 = 1 << 7
	statusReadyForData uint32 = 1 << 8
	statusErrorMask    uint32 = 0xfff9c020
)

const (
	cardStateIdle  = 0
	cardStateReady = 1
	cardStateIdent = 2
	cardStateStby  = 3
	cardStateTran  = 4
	cardStateData  = 5
	cardStateRcv   = 6
	cardStatePrg   = 7
)

func cardState(status uint32) uint32 { return status >> 9 & 0xf }
