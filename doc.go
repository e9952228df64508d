// Package qflash is a block-storage driver for quad-SPI NOR flash. It
// turns block-device reads, page-aligned writes, and byte-range erases
// into chip command transactions over a bus transaction engine, and
// registers the result with the bio block layer.
//
// # References:
//
// SPI Flash
//   - [N25Q128A]: N25Q128A Micron Serial NOR Flash Memory datasheet (could not find the official public URL)
//   - [W25Q128]: W25Q128JV-DTR Winbond Serial Flash Memory (https://www.winbond.com/resource-files/W25Q128JV_DTR%20RevD%2012232024%20Plus.pdf)
//
// Controllers
//   - [RM0385]: STM32F75xxx/F74xxx reference manual, QUADSPI chapter (https://www.st.com/resource/en/reference_manual/rm0385-stm32f75xxx-and-stm32f74xxx-advanced-armbased-32bit-mcus-stmicroelectronics.pdf)
//   - [FTDI-AN_108]: Command Processor for MPSSE and MCU Host Bus Emulation Modes (https://ftdichip.com/wp-content/uploads/2020/08/AN_108_Command_Processor_for_MPSSE_and_MCU_Host_Bus_Emulation_Modes.pdf)
//   - [FTDI-AN_114]: Interfacing FT2232H Hi-Speed Devices To SPI Bus (https://ftdichip.com/wp-content/uploads/2020/08/AN_114_FTDI_Hi_Speed_USB_To_SPI_Example.pdf)
//   - spidev: Linux Documentation/spi/spidev.rst
package qflash
