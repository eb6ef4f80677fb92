package utils

const SoulSyncArt = `
 ____              _ ____
/ ___|  ___  _   _| / ___| _   _ _ __   ___
\___ \ / _ \| | | | \___ \| | | | '_ \ / __|
 ___) | (_) | |_| | |___) | |_| | | | | (__
|____/ \___/ \__,_|_|____/ \__, |_| |_|\___|
                           |___/
`
