package sched

import (
	"lily/kernel/gate"
	"lily/kernel/mm"
	"lily/kernel/mm/vmm"
)

// Syscall opcodes, carried in regs.Info for SyscallTrap (0x81).
const (
	sysGetpagesize = iota
	sysSbrk
	sysBindingCount
	sysBufferCreate
	sysBufferCopy
	sysBufferGrow
	sysBufferAppend
	sysBufferAssign
	sysBufferMap
	sysBufferDestroy
	sysBufferSize
)

// errResult and zeroResult are the two sentinel return values the syscall
// table uses to report recoverable failure, per-operation.
const (
	errResult  = ^uint32(0) // -1 as uint32, i.e. 0xffffffff
	zeroResult = uint32(0)
)

// mappingFlags is the fixed set of page table flags every buffer_map
// syscall installs: present and user-accessible. The vmm layer's buffer
// mapper always forces every buffer page copy-on-write regardless of what
// is requested here, so a write still faults and goes through CoW
// resolution even though the buffer object itself has no read-only mode an
// automaton can request.
const mappingFlags = vmm.FlagPresent | vmm.FlagUserAccessible

// syscallHandler dispatches a SyscallTrap to the operation named by
// regs.Info, reading its arguments from EBX, ECX, EDX, ESI, EDI (in that
// order) and writing its result back into EAX. Every operation either
// succeeds or returns one of the table's documented failure sentinels;
// none of them can leave the automaton's state partially updated.
func syscallHandler(regs *gate.Registers) {
	scheduler.lock.Acquire()
	current := scheduler.current
	scheduler.lock.Release()

	if current == nil {
		return
	}

	switch regs.Info {
	case sysGetpagesize:
		regs.EAX = uint32(mm.PageSize)

	case sysSbrk:
		newBreak, ok := current.Sbrk(int(int32(regs.EBX)))
		if !ok {
			regs.EAX = zeroResult
			break
		}
		regs.EAX = uint32(newBreak)

	case sysBindingCount:
		pa, err := current.ActionByEntry(uintptr(regs.EBX))
		if err != nil {
			regs.EAX = errResult
			break
		}
		n := 0
		for _, b := range current.BoundInputs(pa.Number) {
			if b.Output.Param == uintptr(regs.ECX) {
				n++
			}
		}
		regs.EAX = uint32(n)

	case sysBufferCreate:
		id, err := current.BufferCreate(int(regs.EBX))
		if err != nil {
			regs.EAX = errResult
			break
		}
		regs.EAX = uint32(id)

	case sysBufferCopy:
		id, err := current.BufferCopySubrange(int(regs.EBX), int(regs.ECX), int(regs.EDX))
		if err != nil {
			regs.EAX = errResult
			break
		}
		regs.EAX = uint32(id)

	case sysBufferGrow:
		if err := current.BufferGrow(int(regs.EBX), int(regs.ECX)); err != nil {
			regs.EAX = errResult
			break
		}
		size, _ := current.BufferSize(int(regs.EBX))
		regs.EAX = uint32(size)

	case sysBufferAppend:
		size, err := current.BufferAppendFrom(int(regs.EBX), int(regs.ECX), int(regs.EDX), int(regs.ESI))
		if err != nil {
			regs.EAX = errResult
			break
		}
		regs.EAX = uint32(size)

	case sysBufferAssign:
		if err := current.BufferAssignRange(int(regs.EBX), int(regs.ECX), int(regs.EDX), int(regs.ESI), int(regs.EDI)); err != nil {
			regs.EAX = errResult
			break
		}
		regs.EAX = zeroResult

	case sysBufferMap:
		begin, err := current.MapBuffer(int(regs.EBX), mappingFlags)
		if err != nil {
			regs.EAX = zeroResult
			break
		}
		regs.EAX = uint32(begin)

	case sysBufferDestroy:
		if err := current.BufferDestroy(int(regs.EBX)); err != nil {
			regs.EAX = errResult
			break
		}
		regs.EAX = zeroResult

	case sysBufferSize:
		size, err := current.BufferSize(int(regs.EBX))
		if err != nil {
			regs.EAX = errResult
			break
		}
		regs.EAX = uint32(size)

	default:
		regs.EAX = errResult
	}
}
