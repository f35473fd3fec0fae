// Package protocol defines the command and return codes exchanged with the
// transaction core, and the fixed-layout records that follow them.
//
// Codes use the Linux ioctl encoding: direction in bits 30-31, payload size in
// bits 16-29, a type byte in bits 8-15 and the command number in bits 0-7. The
// payload size of every code can therefore be recovered from the code itself.
// All integers are little-endian.
package protocol

import "fmt"

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	typeReturn  = 'r'
	typeCommand = 'c'
)

// Return is a code written by the core into a thread's read buffer.
type Return uint32

// Command is a code written by a thread into the core.
type Command uint32

const (
	BRError                       Return  = iocRead<<30 | 4<<16 | typeReturn<<8 | 0
	BROK                          Return  = iocNone<<30 | 0<<16 | typeReturn<<8 | 1
	BRTransactionSecCtx           Return  = iocRead<<30 | TransactionDataSecCtxSize<<16 | typeReturn<<8 | 2
	BRTransaction                 Return  = iocRead<<30 | TransactionDataSize<<16 | typeReturn<<8 | 2
	BRReply                       Return  = iocRead<<30 | TransactionDataSize<<16 | typeReturn<<8 | 3
	BRDeadReply                   Return  = iocNone<<30 | 0<<16 | typeReturn<<8 | 5
	BRTransactionComplete         Return  = iocNone<<30 | 0<<16 | typeReturn<<8 | 6
	BRNoop                        Return  = iocNone<<30 | 0<<16 | typeReturn<<8 | 12
	BRSpawnLooper                 Return  = iocNone<<30 | 0<<16 | typeReturn<<8 | 13
	BRFailedReply                 Return  = iocNone<<30 | 0<<16 | typeReturn<<8 | 17
	BRFrozenReply                 Return  = iocNone<<30 | 0<<16 | typeReturn<<8 | 18
	BROnewaySpamSuspect           Return  = iocNone<<30 | 0<<16 | typeReturn<<8 | 19
	BRTransactionPendingFrozen    Return  = iocNone<<30 | 0<<16 | typeReturn<<8 | 20
	BRFrozenBinder                Return  = iocRead<<30 | FrozenStateInfoSize<<16 | typeReturn<<8 | 21
	BRClearFreezeNotificationDone Return  = iocRead<<30 | 8<<16 | typeReturn<<8 | 22
	BCTransaction                 Command = iocWrite<<30 | TransactionDataSize<<16 | typeCommand<<8 | 0
	BCReply                       Command = iocWrite<<30 | TransactionDataSize<<16 | typeCommand<<8 | 1
	BCFreeBuffer                  Command = iocWrite<<30 | 8<<16 | typeCommand<<8 | 3
	BCRegisterLooper              Command = iocNone<<30 | 0<<16 | typeCommand<<8 | 11
	BCEnterLooper                 Command = iocNone<<30 | 0<<16 | typeCommand<<8 | 12
	BCExitLooper                  Command = iocNone<<30 | 0<<16 | typeCommand<<8 | 13
	BCRequestFreezeNotification   Command = iocWrite<<30 | HandleCookieSize<<16 | typeCommand<<8 | 19
	BCClearFreezeNotification     Command = iocWrite<<30 | HandleCookieSize<<16 | typeCommand<<8 | 20
	BCFreezeNotificationDone      Command = iocWrite<<30 | 8<<16 | typeCommand<<8 | 21
)

var returnNames = map[Return]string{
	BRError:                       "BR_ERROR",
	BROK:                          "BR_OK",
	BRTransactionSecCtx:           "BR_TRANSACTION_SEC_CTX",
	BRTransaction:                 "BR_TRANSACTION",
	BRReply:                       "BR_REPLY",
	BRDeadReply:                   "BR_DEAD_REPLY",
	BRTransactionComplete:         "BR_TRANSACTION_COMPLETE",
	BRNoop:                        "BR_NOOP",
	BRSpawnLooper:                 "BR_SPAWN_LOOPER",
	BRFailedReply:                 "BR_FAILED_REPLY",
	BRFrozenReply:                 "BR_FROZEN_REPLY",
	BROnewaySpamSuspect:           "BR_ONEWAY_SPAM_SUSPECT",
	BRTransactionPendingFrozen:    "BR_TRANSACTION_PENDING_FROZEN",
	BRFrozenBinder:                "BR_FROZEN_BINDER",
	BRClearFreezeNotificationDone: "BR_CLEAR_FREEZE_NOTIFICATION_DONE",
}

var commandNames = map[Command]string{
	BCTransaction:               "BC_TRANSACTION",
	BCReply:                     "BC_REPLY",
	BCFreeBuffer:                "BC_FREE_BUFFER",
	BCRegisterLooper:            "BC_REGISTER_LOOPER",
	BCEnterLooper:               "BC_ENTER_LOOPER",
	BCExitLooper:                "BC_EXIT_LOOPER",
	BCRequestFreezeNotification: "BC_REQUEST_FREEZE_NOTIFICATION",
	BCClearFreezeNotification:   "BC_CLEAR_FREEZE_NOTIFICATION",
	BCFreezeNotificationDone:    "BC_FREEZE_NOTIFICATION_DONE",
}

func (r Return) String() string {
	if n, ok := returnNames[r]; ok {
		return n
	}
	return fmt.Sprintf("BR_UNKNOWN(%#x)", uint32(r))
}

// PayloadSize returns the number of bytes that follow the code.
func (r Return) PayloadSize() int { return payloadSize(uint32(r)) }

// Known reports whether r is a return code this package can decode.
func (r Return) Known() bool {
	_, ok := returnNames[r]
	return ok
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("BC_UNKNOWN(%#x)", uint32(c))
}

// PayloadSize returns the number of bytes that follow the code.
func (c Command) PayloadSize() int { return payloadSize(uint32(c)) }

// Known reports whether c is a command the core accepts.
func (c Command) Known() bool {
	_, ok := commandNames[c]
	return ok
}

func payloadSize(code uint32) int { return int(code>>16) & 0x3fff }

// ReturnCodes lists every known return code, ordered by command number.
func ReturnCodes() []Return {
	return []Return{
		BRError, BROK, BRTransaction, BRTransactionSecCtx, BRReply, BRDeadReply,
		BRTransactionComplete, BRNoop, BRSpawnLooper, BRFailedReply, BRFrozenReply,
		BROnewaySpamSuspect, BRTransactionPendingFrozen, BRFrozenBinder,
		BRClearFreezeNotificationDone,
	}
}

// CommandCodes lists every known command code, ordered by command number.
func CommandCodes() []Command {
	return []Command{
		BCTransaction, BCReply, BCFreeBuffer, BCRegisterLooper, BCEnterLooper,
		BCExitLooper, BCRequestFreezeNotification, BCClearFreezeNotification,
		BCFreezeNotificationDone,
	}
}

// Transaction flags.
const (
	TFOneWay     uint32 = 0x01
	TFRootObject uint32 = 0x04
	TFStatusCode uint32 = 0x08
	TFAcceptFDs  uint32 = 0x10
	TFClearBuf   uint32 = 0x20
	TFUpdateTxn  uint32 = 0x40
)

// Node flags.
const (
	FlatBinderFlagAcceptsFDs uint32 = 0x100
	FlatBinderFlagTxnSecCtx  uint32 = 0x1000
)
