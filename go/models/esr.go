package models

// Exception classes, ESR_ELx.EC
const (
	ECUnknown     = 0x00
	ECHVC         = 0x16
	ECSMC         = 0x17
	ECMSR         = 0x18
	ECIMPDEF      = 0x1f
	ECIAbortLower = 0x20
	ECDAbortLower = 0x24
	ECBkptLower   = 0x30
	ECSStepLower  = 0x32
	ECWatchLower  = 0x34
	ECBRK         = 0x3c
)

// ISS value of an IMPDEF trap that is really an MSR with the syndrome in AFSR1
const ImpdefISSMSR = 0x20

type ESR uint64

func (e ESR) EC() uint64  { return (uint64(e) >> 26) & 0x3f }
func (e ESR) IL() bool    { return (uint64(e)>>25)&1 != 0 }
func (e ESR) ISS() uint64 { return uint64(e) & ((1 << 25) - 1) }

// MSRAccess is a decoded MSR/MRS/SYS trap.
type MSRAccess struct {
	Reg  SysReg
	Rt   int
	Read bool // MRS, sysreg -> Rt
}

func DecodeMSR(iss uint64) MSRAccess {
	return MSRAccess{
		Read: iss&1 == 1,
		Reg: SysReg{
			Op0: uint8((iss >> 20) & 0x3),
			Op1: uint8((iss >> 14) & 0x7),
			CRn: uint8((iss >> 10) & 0xf),
			CRm: uint8((iss >> 1) & 0xf),
			Op2: uint8((iss >> 17) & 0x7),
		},
		Rt: int((iss >> 5) & 0x1f),
	}
}

// Data abort syndrome fields.
type DataAbort struct {
	Valid bool
	Size  int
	SRT   int
	Write bool
}

func DecodeDataAbort(iss uint64) DataAbort {
	return DataAbort{
		Valid: (iss>>24)&1 == 1,
		Size:  1 << ((iss >> 22) & 0x3),
		SRT:   int((iss >> 16) & 0x1f),
		Write: (iss>>6)&1 == 1,
	}
}

// SPSR helpers
type SPSR uint64

const (
	SPSRSS   = 1 << 21
	SPSRDAIF = 0xf << 6
)

func (s SPSR) EL() int       { return int((uint64(s) >> 2) & 3) }
func (s SPSR) SPSel() bool   { return uint64(s)&1 == 1 }
func (s SPSR) Step() bool    { return uint64(s)&SPSRSS != 0 }
func (s SPSR) AArch32() bool { return uint64(s)&0x10 != 0 }
