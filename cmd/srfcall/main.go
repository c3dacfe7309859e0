// Command srfcall calls one method of a service on the bus and prints the
// content of its result.
//
//	srfcall --bus redis opensrf.math add 1 2
//	srfcall --bus tcp --addr localhost:7680 opensrf.math add 1 2
//	srfcall hub --listen :7680
package main

func main() {
	Execute()
}
