package emu

import (
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// register name tables per bitness; names follow the disassembler convention
// so callers can say "rcx"/"ecx" without caring about unicorn constants

var regs64 = map[string]int{
	"rax": uc.X86_REG_RAX,
	"rbx": uc.X86_REG_RBX,
	"rcx": uc.X86_REG_RCX,
	"rdx": uc.X86_REG_RDX,
	"rsi": uc.X86_REG_RSI,
	"rdi": uc.X86_REG_RDI,
	"rbp": uc.X86_REG_RBP,
	"rsp": uc.X86_REG_RSP,
	"r8":  uc.X86_REG_R8,
	"r9":  uc.X86_REG_R9,
	"r10": uc.X86_REG_R10,
	"r11": uc.X86_REG_R11,
	"r12": uc.X86_REG_R12,
	"r13": uc.X86_REG_R13,
	"r14": uc.X86_REG_R14,
	"r15": uc.X86_REG_R15,
	"rip": uc.X86_REG_RIP,
}

var regNames64 = []string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "rip",
}

var regs32 = map[string]int{
	"eax": uc.X86_REG_EAX,
	"ebx": uc.X86_REG_EBX,
	"ecx": uc.X86_REG_ECX,
	"edx": uc.X86_REG_EDX,
	"esi": uc.X86_REG_ESI,
	"edi": uc.X86_REG_EDI,
	"ebp": uc.X86_REG_EBP,
	"esp": uc.X86_REG_ESP,
	"eip": uc.X86_REG_EIP,
}

var regNames32 = []string{
	"eax", "ebx", "ecx", "edx", "esi", "edi", "ebp", "esp", "eip",
}
