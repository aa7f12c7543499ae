// Package kernel is xv6go: a teaching kernel's core subsystems
// reimplemented as an in-process Go simulation rather than bare-metal
// 32-bit x86 code. It covers the scheduler and process table (proc),
// virtual memory and mmap (mm), the crash-safe on-disk filesystem
// (bcache, wal, fs), pipe/FIFO IPC (pipe), the ELF/shebang exec loader
// (execve), syscalls (sys), and the uid/gid permission model (ugo).
//
// There is no bootloader, interrupt vector table, or context-switch
// assembly here: processes are goroutines, and a process's "address
// space" is a plain Go value rather than a page table walked by the
// MMU.
package kernel
